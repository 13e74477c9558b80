package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arencloud/hermes-upload/internal/config"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates the bucket registry
// and file catalog tables.
func Open(cfg *config.Config, logger logging.Logger) (*gorm.DB, error) {
	var gormLevel gormlogger.LogLevel
	switch strings.ToLower(logging.GetLevel()) {
	case "debug":
		gormLevel = gormlogger.Info // log SQL traces at debug level
	case "error", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	switch driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver)); driver {
	case "postgres", "postgresql":
		if cfg.DBDsn == "" {
			return nil, fmt.Errorf("db: DATABASE_URL/DB_DSN is required for driver %q", driver)
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DBPath)
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger, gormLevel)})
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.BucketConfig{}, &models.FileObject{})
}
