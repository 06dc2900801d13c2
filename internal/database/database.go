package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/messages"
	"github.com/MarcoPoloResearchLab/rolodex/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// DriverSQLite selects the embedded pure-Go sqlite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the pgx-backed postgres driver.
	DriverPostgres = "postgres"
)

var (
	// ErrMissingDSN indicates that no database location was configured.
	ErrMissingDSN = errors.New("database: dsn is required")
	// ErrUnsupportedDriver indicates an unknown database driver name.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config selects the database driver and its connection string.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured database and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// Migrate creates or updates every table and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := []interface{}{&users.Identity{}, &migrationRecord{}}
	models = append(models, contacts.Models()...)
	models = append(models, messages.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
