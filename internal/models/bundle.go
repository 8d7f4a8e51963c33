package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bundle is a purchasable access plan. The catalog is maintained elsewhere;
// this service only reads it.
type Bundle struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name            string          `gorm:"type:varchar(100);not null" json:"name"`
	DataAmount      string          `gorm:"type:varchar(50)" json:"data_amount"` // e.g., "1 GB", "Unlimited"
	DurationMinutes int             `gorm:"not null" json:"duration_minutes"`
	Price           decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
}

// AccessWindow is how long access lasts once payment is confirmed
func (b Bundle) AccessWindow() time.Duration {
	return time.Duration(b.DurationMinutes) * time.Minute
}
