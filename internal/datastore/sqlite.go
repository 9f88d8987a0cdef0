package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
)

func openSQLite(settings conf.SQLiteSettings, log logger.Logger) (*DataStore, error) {
	path := settings.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(fmt.Errorf("failed to create database directory: %w", err)).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
	}

	// Foreign keys are off by default in SQLite
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open SQLite database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", path).
			Build()
	}

	// A single writer avoids "database is locked" under concurrent requests
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	ds := &DataStore{DB: db, dbType: "SQLite", log: log}
	if err := performAutoMigration(db, ds.dbType, path, log); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}
