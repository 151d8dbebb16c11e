package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, decision *SchedulingDecision) error
	// FindCurrent returns the non-superseded decision for a workload, or
	// nil when none exists.
	FindCurrent(ctx context.Context, db *gorm.DB, workloadID snowflake.ID) (*SchedulingDecision, error)
	// Supersede flips the superseded flag with a guarded UPDATE and reports
	// false when the row was already superseded.
	Supersede(ctx context.Context, db *gorm.DB, decisionID snowflake.ID) (bool, error)
	ListByWorkload(ctx context.Context, db *gorm.DB, workloadID snowflake.ID) ([]SchedulingDecision, error)
}
