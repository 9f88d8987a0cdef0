package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/privacy"
	"github.com/lemlab/verifier/internal/secrets"
)

func mysqlDSN(s conf.MySQLSettings) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		s.Username, s.Password, s.Host, s.Port, s.Database)
}

func openMySQL(settings conf.MySQLSettings, log logger.Logger) (*DataStore, error) {
	password, err := secrets.Resolve(settings.PasswordFile, settings.Password)
	if err != nil {
		return nil, err
	}
	settings.Password = password

	db, err := gorm.Open(mysql.Open(mysqlDSN(settings)), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		err = privacy.WrapError(err)
		log.Error("failed to open MySQL database",
			logger.String("host", settings.Host),
			logger.String("port", settings.Port),
			logger.String("database", settings.Database),
			logger.Error(err))
		return nil, errors.New(fmt.Errorf("failed to open MySQL database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("host", settings.Host).
			Context("database", settings.Database).
			Build()
	}

	ds := &DataStore{DB: db, dbType: "MySQL", log: log}
	// Never log the password
	info := fmt.Sprintf("%s:%s/%s", settings.Host, settings.Port, settings.Database)
	if err := performAutoMigration(db, ds.dbType, info, log); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}
