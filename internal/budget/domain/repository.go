package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists budget periods. ReserveWithinLimit is the only gated
// mutation; everything else is unconditional.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, budget *CarbonBudget) error
	FindCovering(ctx context.Context, db *gorm.DB, serviceID string, at time.Time) (*CarbonBudget, error)
	LatestForService(ctx context.Context, db *gorm.DB, serviceID string) (*CarbonBudget, error)
	LatestPerService(ctx context.Context, db *gorm.DB) ([]CarbonBudget, error)
	UpdateConfig(ctx context.Context, db *gorm.DB, id snowflake.ID, limitKgCO2e, alertPct float64, action EnforcementAction, updatedAt time.Time) error

	// ReserveWithinLimit atomically adds amount to consumption only when
	// the result stays at or under the limit. Reports whether it did.
	ReserveWithinLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount float64, updatedAt time.Time) (bool, error)
	AddConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, amount float64, updatedAt time.Time) error

	// LatchAlert flips the alert flag and reports whether this call was
	// the one that flipped it.
	LatchAlert(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) (bool, error)
}
