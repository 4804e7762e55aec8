package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"alamor/internal/models"
)

// Migrate ensures every table the service uses exists.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		// Inbound selection store
		&models.Server{},
		&models.ServerInbound{},
		&models.Profile{},
		&models.ProfileInbound{},
		// Catalog
		&models.Plan{},
		// Delivered runs
		&models.Purchase{},
		&models.FreeTrialUsage{},
	}
}
