package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hotspot_billing/internal/models"
)

// NewTestDB opens a private in-memory SQLite database with every model migrated.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// SeedBundle inserts a bundle with the given access window and price.
func SeedBundle(t *testing.T, db *gorm.DB, window time.Duration, price string) models.Bundle {
	t.Helper()

	bundle := models.Bundle{
		Name:            fmt.Sprintf("%s pass", window),
		DataAmount:      "Unlimited",
		DurationMinutes: int(window / time.Minute),
		Price:           decimal.RequireFromString(price),
	}
	require.NoError(t, db.Create(&bundle).Error)
	return bundle
}

// Reload reads a transaction straight from the database.
func Reload(t *testing.T, db *gorm.DB, id uint) models.Transaction {
	t.Helper()

	var txn models.Transaction
	require.NoError(t, db.First(&txn, id).Error)
	return txn
}
