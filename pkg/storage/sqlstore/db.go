// Package sqlstore implements storage.Store on top of GORM.
package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config mirrors the storage section of the application config.
type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
	// Debug logs every statement.
	Debug bool
}

// Store implements storage.Store.
type Store struct {
	db *gorm.DB
	// now is replaced in tests.
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the configured database and optionally migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	gormDB, err := openGorm(driver, cfg.DSN, cfg.Debug)
	if err != nil {
		return nil, err
	}
	store := &Store{db: gormDB, now: func() time.Time { return time.Now().UTC() }}
	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&userRow{}, &installationRow{}, &repositoryRow{}, &deliveryRow{}, &sessionRow{})
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string, debug bool) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite allows a single writer; serialize to avoid SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func applyPage(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}
