// Package datastore persists verification records for the reference record
// store server. SQLite and MySQL are supported through gorm.
package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
)

// ErrNotFound is returned when no record has the requested id
var ErrNotFound = errors.NewStd("verification not found")

// DefaultListLimit is used when List is called with a non-positive limit
const DefaultListLimit = 100

// Interface is the persistence contract used by the server
type Interface interface {
	Get(ctx context.Context, id uint64) (dto.Verification, error)
	Create(ctx context.Context, v dto.Verification) (dto.Verification, error)
	Update(ctx context.Context, id uint64, v dto.Verification) (dto.Verification, error)
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, skip, limit int) ([]dto.Verification, error)
	Close() error
}

// DataStore implements Interface on a gorm connection
type DataStore struct {
	DB     *gorm.DB
	dbType string
	log    logger.Logger
}

// New opens the database selected by settings and migrates the schema
func New(settings *conf.DatabaseSettings, log logger.Logger) (*DataStore, error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	log = log.Module("datastore")

	switch strings.ToLower(settings.Type) {
	case conf.DatabaseSQLite:
		return openSQLite(settings.SQLite, log)
	case conf.DatabaseMySQL:
		return openMySQL(settings.MySQL, log)
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func performAutoMigration(db *gorm.DB, dbType, connectionInfo string, log logger.Logger) error {
	start := time.Now()
	if err := db.AutoMigrate(&Verification{}, &Specimen{}); err != nil {
		return errors.New(fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("db_type", dbType).
			Build()
	}
	log.Info("database ready",
		logger.String("db_type", dbType),
		logger.String("connection", connectionInfo),
		logger.Duration("migration", time.Since(start)))
	return nil
}

// Get loads a record with its specimens in item order
func (ds *DataStore) Get(ctx context.Context, id uint64) (dto.Verification, error) {
	var m Verification
	err := ds.DB.WithContext(ctx).
		Preload("Specimens", orderByPosition).
		First(&m, id).Error
	if err != nil {
		return dto.Verification{}, ds.wrap(err, "get", id)
	}
	return m.toDTO(), nil
}

// Create stores a new record. Any id on v is ignored.
func (ds *DataStore) Create(ctx context.Context, v dto.Verification) (dto.Verification, error) {
	v.ID = nil
	m := fromDTO(v)
	if err := ds.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return dto.Verification{}, ds.wrap(err, "create", 0)
	}
	ds.log.Debug("verification created",
		logger.Uint64("id", m.ID),
		logger.Int("specimens", len(m.Specimens)))
	return ds.Get(ctx, m.ID)
}

// Update replaces the header and the full specimen list of record id
func (ds *DataStore) Update(ctx context.Context, id uint64, v dto.Verification) (dto.Verification, error) {
	v.ID = &id
	m := fromDTO(v)

	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Verification
		if err := tx.Select("id", "created_at").First(&existing, id).Error; err != nil {
			return err
		}
		m.CreatedAt = existing.CreatedAt
		if err := tx.Where("verification_id = ?", id).Delete(&Specimen{}).Error; err != nil {
			return err
		}
		if err := tx.Omit("Specimens").Save(&m).Error; err != nil {
			return err
		}
		if len(m.Specimens) == 0 {
			return nil
		}
		return tx.Create(&m.Specimens).Error
	})
	if err != nil {
		return dto.Verification{}, ds.wrap(err, "update", id)
	}
	ds.log.Debug("verification updated",
		logger.Uint64("id", id),
		logger.Int("specimens", len(m.Specimens)))
	return ds.Get(ctx, id)
}

// Delete removes a record and its specimens
func (ds *DataStore) Delete(ctx context.Context, id uint64) error {
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("verification_id = ?", id).Delete(&Specimen{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Verification{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return ds.wrap(err, "delete", id)
	}
	return nil
}

// List returns records ordered by id, skipping the first skip
func (ds *DataStore) List(ctx context.Context, skip, limit int) ([]dto.Verification, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var models []Verification
	err := ds.DB.WithContext(ctx).
		Preload("Specimens", orderByPosition).
		Order("id ASC").
		Offset(skip).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, ds.wrap(err, "list", 0)
	}

	out := make([]dto.Verification, len(models))
	for i := range models {
		out[i] = models[i].toDTO()
	}
	return out, nil
}

// Close releases the underlying connection pool
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		ds.log.Error("failed to close database", logger.String("db_type", ds.dbType), logger.Error(err))
		return err
	}
	ds.log.Debug("database connection closed", logger.String("db_type", ds.dbType))
	return nil
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (ds *DataStore) wrap(err error, operation string, id uint64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.New(ErrNotFound).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Context("operation", operation).
			Context("id", id).
			Build()
	}
	category := errors.CategoryDatabase
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryTimeout
	case errors.Is(err, context.Canceled):
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("datastore").
		Category(category).
		Context("operation", operation).
		Context("db_type", ds.dbType).
		Context("id", id).
		Build()
}
