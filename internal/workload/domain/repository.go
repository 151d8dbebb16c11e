package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, workload *Workload) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Workload, error)
	// Transition moves a workload between statuses with a guarded UPDATE and
	// reports false when the row was not in the expected status. The loser of
	// a concurrent race must re-read and return the recorded outcome.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to WorkloadStatus, evaluatedAt time.Time) (bool, error)
	TouchLastEvaluated(ctx context.Context, db *gorm.DB, id snowflake.ID, evaluatedAt time.Time) error
}
