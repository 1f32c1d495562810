package database

import (
	"fmt"

	"gorm.io/gorm"

	"shop/internal/model"
	"shop/pkg/log"
)

// Each service owns its tables and migrates only its own schema.
var (
	OrderSchema  = []interface{}{&model.OrderHeader{}, &model.OrderDetail{}, &model.OutboxMessage{}}
	RewardSchema = []interface{}{&model.RewardRecord{}}
	EmailSchema  = []interface{}{&model.EmailLogRecord{}}
)

// AutoMigrate creates or updates the tables for models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	log.Info("Starting database migration...")

	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Infof("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}

// CheckTables fails when a table for one of models is missing, so a service
// started without auto_migrate refuses to run against an empty schema.
func CheckTables(db *gorm.DB, models ...interface{}) error {
	migrator := db.Migrator()
	for _, m := range models {
		if !migrator.HasTable(m) {
			return fmt.Errorf("table for %T not found; run with database.auto_migrate enabled", m)
		}
	}
	return nil
}

// Prepare migrates when migrate is set and otherwise checks the schema exists.
func Prepare(db *gorm.DB, migrate bool, models ...interface{}) error {
	if migrate {
		return AutoMigrate(db, models...)
	}
	return CheckTables(db, models...)
}
