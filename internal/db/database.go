package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wastesort-go/config"
	"wastesort-go/internal/core/models"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global archive connection
var DB *gorm.DB

// Initialize opens the archive database configured in cfg and migrates it
func Initialize(cfg *config.Config) error {
	if cfg.DB.File != "" {
		dbDir := filepath.Dir(cfg.DB.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			log.Errorf("Failed to create database directory '%s': %v", dbDir, err)
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	log.Infof("Connecting to database: %s", cfg.DB.File)

	conn, err := Open(cfg.DB.File)
	if err != nil {
		return err
	}

	// Single-process SQLite, keep the pool small
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	DB = conn
	log.Info("Database connection established successfully")
	return nil
}

// Open connects to the SQLite database at dsn and runs migrations.
// Tests pass "file::memory:" for a private in-memory database.
func Open(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Errorf("Failed to connect to database: %v", err)
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	log.Info("Running database migrations...")
	if err := conn.AutoMigrate(&models.DetectionRecord{}); err != nil {
		log.Errorf("Database migration failed: %v", err)
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migrations completed successfully")

	return conn, nil
}

// Close releases the global connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
