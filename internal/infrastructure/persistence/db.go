package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the gateway database and migrates the schema.
func NewDBConnection(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "gateway.db"
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CostRecord{},
		&models.HistoryCostRecord{},
		&models.UsageRecord{},
		&models.AdminConfigRecord{},
		&models.AccountRecord{},
		&models.APIKeyRecord{},
		&models.ModelRateRecord{},
	)
}
