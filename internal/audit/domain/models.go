package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Audit actions. Every submission outcome lands here, not only successes.
const (
	ActionDecisionScheduled  = "decision.scheduled"
	ActionDecisionDeferred   = "decision.deferred"
	ActionDecisionRejected   = "decision.rejected"
	ActionDecisionSuperseded = "decision.superseded"
	ActionWorkloadWithdrawn  = "workload.withdrawn"
	ActionClassDefaulted     = "workload.class_defaulted"
	ActionBudgetBlocked      = "budget.blocked"
)

// AuditRecord is the append-only compliance trail for one policy outcome.
// The primary key is the dedup handle: retried writes of the same record
// are no-ops.
type AuditRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	WorkloadID     snowflake.ID      `gorm:"not null;index"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	ServiceID      string            `gorm:"type:text;not null"`
	Action         string            `gorm:"type:text;not null;index"`
	DecisionID     *snowflake.ID     `gorm:""`
	ChosenRegion   string            `gorm:"type:text"`
	ReasonCode     string            `gorm:"type:text"`
	PolicyVersion  int64             `gorm:"not null;default:0"`
	Degraded       bool              `gorm:"not null;default:false"`
	AllowedRegions datatypes.JSON    `gorm:"type:jsonb"`
	ScoreInputs    datatypes.JSON    `gorm:"type:jsonb"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (AuditRecord) TableName() string { return "audit_records" }
