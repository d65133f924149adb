package db

import (
	"log"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// schemaVersion is bumped together with entries in dataMigrations.
const schemaVersion = "2"

// InitDB connects to postgres and migrates the schema.
func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	DB, err = gorm.Open(postgres.Open(config.AppConfig.Database.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	log.Println("✅ Database connected successfully")

	if err := DB.AutoMigrate(
		&models.Quote{},
		&models.Settlement{},
		&models.UserTransaction{},
		&models.ReserveState{},
		&models.AuditEntry{},
		&models.UsedPaymentProof{},
		&models.ChainNonce{},
		&models.Admin{},
		&models.GlobalConfig{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}

	seedReserveState(DB)
	seedBootstrapAdmin(DB)

	if err := RunDataMigrations(DB); err != nil {
		log.Fatalf("Data migrations failed: %v", err)
	}

	log.Println("✅ Database schema migrated successfully")
}

// seedReserveState creates the single reserve row with the original defaults
// (warning 0.5 ETH, critical 0.1 ETH, daily limit 10 ETH) if it does not exist.
func seedReserveState(db *gorm.DB) {
	var reserve models.ReserveState
	if err := db.Where("key = ?", "main").First(&reserve).Error; err == nil {
		return
	}

	now := time.Now().UTC()
	reserve = models.ReserveState{
		Key:               "main",
		ThresholdWarning:  500_000_000_000_000_000, // 0.5 ETH
		ThresholdCritical: 100_000_000_000_000_000, // 0.1 ETH
		DailyLimit:        10_000_000_000_000_000_000,
		DayAnchor:         now.Truncate(24 * time.Hour),
		UpdatedAt:         now,
	}
	if err := db.Create(&reserve).Error; err != nil {
		log.Printf("⚠️ Failed to seed reserve state: %v", err)
	} else {
		log.Println("✅ Initialized reserve state")
	}
}

// seedBootstrapAdmin inserts the configured bootstrap admin principal once.
func seedBootstrapAdmin(db *gorm.DB) {
	principal := config.AppConfig.Auth.BootstrapAdmin
	if principal == "" {
		return
	}

	var admin models.Admin
	if err := db.Where("principal = ?", principal).First(&admin).Error; err == nil {
		return
	}

	admin = models.Admin{Principal: principal, AddedBy: "bootstrap", CreatedAt: time.Now().UTC()}
	if err := db.Create(&admin).Error; err != nil {
		log.Printf("⚠️ Failed to seed bootstrap admin: %v", err)
	} else {
		log.Printf("✅ Initialized bootstrap admin: %s", principal)
	}
}
