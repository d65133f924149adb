package db

import (
	"log"
	"strconv"
	"time"

	"gasless-bridge/internal/models"

	"gorm.io/gorm"
)

// DataMigration represents a versioned data migration applied once at startup.
type DataMigration struct {
	Version     int
	Description string
	Up          func(*gorm.DB) error
}

func dataMigrations() []DataMigration {
	return []DataMigration{
		{
			Version:     1,
			Description: "Backfill day_anchor on the reserve row",
			Up:          migrateReserveDayAnchor,
		},
		{
			Version:     2,
			Description: "Normalize destination addresses to lowercase hex",
			Up:          migrateLowercaseAddresses,
		},
	}
}

// RunDataMigrations applies pending migrations above the stored schema_version.
func RunDataMigrations(db *gorm.DB) error {
	current := 0
	var row models.GlobalConfig
	if err := db.Where("config_key = ?", "schema_version").First(&row).Error; err == nil {
		if v, err := strconv.Atoi(row.ConfigValue); err == nil {
			current = v
		}
	}

	for _, m := range dataMigrations() {
		if m.Version <= current {
			continue
		}
		log.Printf("🔄 Applying data migration %d: %s", m.Version, m.Description)
		if err := m.Up(db); err != nil {
			return err
		}
		if err := setSchemaVersion(db, m.Version); err != nil {
			return err
		}
		log.Printf("✅ Data migration %d applied", m.Version)
	}

	return nil
}

func setSchemaVersion(db *gorm.DB, version int) error {
	row := models.GlobalConfig{
		ConfigKey:   "schema_version",
		ConfigValue: strconv.Itoa(version),
		UpdatedAt:   time.Now().UTC(),
	}
	return db.Save(&row).Error
}

func migrateReserveDayAnchor(db *gorm.DB) error {
	now := time.Now().UTC()
	anchor := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return db.Model(&models.ReserveState{}).
		Where("day_anchor IS NULL OR day_anchor = ?", time.Time{}).
		Update("day_anchor", anchor).Error
}

func migrateLowercaseAddresses(db *gorm.DB) error {
	if err := db.Exec(`UPDATE quotes SET destination_address = LOWER(destination_address)`).Error; err != nil {
		return err
	}
	return db.Exec(`UPDATE settlements SET destination_address = LOWER(destination_address)`).Error
}
