package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason codes recorded on decisions and outcomes.
const (
	ReasonScheduledImmediate      = "scheduled_immediate"
	ReasonScheduledCleanWindow    = "scheduled_clean_window"
	ReasonDeadlineEscalated       = "deadline_escalated"
	ReasonRejectedBudgetBlock     = "rejected_budget_block"
	ReasonRejectedResidencyConfig = "rejected_residency_config"
	ReasonWithdrawn               = "withdrawn"
)

// SchedulingDecision is one immutable placement verdict. A re-evaluation
// never updates a row: it inserts a successor and flips Superseded on the
// prior one, so at most one row per workload is current. Terminal
// rejections and withdrawals are recorded as rows without a chosen region
// so a later poll can replay the outcome.
type SchedulingDecision struct {
	ID                        snowflake.ID `gorm:"primaryKey"`
	WorkloadID                snowflake.ID `gorm:"not null;index"`
	TenantID                  snowflake.ID `gorm:"not null;index"`
	ServiceID                 string       `gorm:"type:text;not null;index"`
	ChosenRegion              string       `gorm:"type:text"`
	ScheduledAt               time.Time    `gorm:"not null"`
	CarbonIntensityAtSchedule float64      `gorm:"not null;default:0"`
	ResidencyOverridden       bool         `gorm:"not null;default:false"`
	CO2PenaltyGrams           float64      `gorm:"not null;default:0"`
	DeadlineEscalated         bool         `gorm:"not null;default:false"`
	Degraded                  bool         `gorm:"not null;default:false"`
	ReasonCode                string       `gorm:"type:text;not null"`
	PolicyVersion             int64        `gorm:"not null;default:0"`
	AuditID                   snowflake.ID `gorm:"not null"`
	Superseded                bool         `gorm:"not null;default:false;index"`
	CreatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SchedulingDecision) TableName() string { return "scheduling_decisions" }

// Scheduled reports whether the decision placed the workload somewhere.
func (d *SchedulingDecision) Scheduled() bool {
	return d != nil && d.ChosenRegion != ""
}

// Response is the API shape of a scheduling decision.
type Response struct {
	ID                        string    `json:"id"`
	WorkloadID                string    `json:"workload_id"`
	TenantID                  string    `json:"tenant_id"`
	ServiceID                 string    `json:"service_id"`
	ChosenRegion              string    `json:"chosen_region,omitempty"`
	ScheduledAt               time.Time `json:"scheduled_at"`
	CarbonIntensityAtSchedule float64   `json:"carbon_intensity_at_schedule"`
	ResidencyOverridden       bool      `json:"residency_overridden"`
	CO2PenaltyGrams           float64   `json:"co2_penalty_grams"`
	DeadlineEscalated         bool      `json:"deadline_escalated"`
	Degraded                  bool      `json:"degraded"`
	ReasonCode                string    `json:"reason_code"`
	PolicyVersion             int64     `json:"policy_version"`
	AuditID                   string    `json:"audit_id"`
	Superseded                bool      `json:"superseded"`
	CreatedAt                 time.Time `json:"created_at"`
}

// ToResponse converts a decision row to its API shape.
func ToResponse(d *SchedulingDecision) *Response {
	if d == nil {
		return nil
	}
	return &Response{
		ID:                        d.ID.String(),
		WorkloadID:                d.WorkloadID.String(),
		TenantID:                  d.TenantID.String(),
		ServiceID:                 d.ServiceID,
		ChosenRegion:              d.ChosenRegion,
		ScheduledAt:               d.ScheduledAt,
		CarbonIntensityAtSchedule: d.CarbonIntensityAtSchedule,
		ResidencyOverridden:       d.ResidencyOverridden,
		CO2PenaltyGrams:           d.CO2PenaltyGrams,
		DeadlineEscalated:         d.DeadlineEscalated,
		Degraded:                  d.Degraded,
		ReasonCode:                d.ReasonCode,
		PolicyVersion:             d.PolicyVersion,
		AuditID:                   d.AuditID.String(),
		Superseded:                d.Superseded,
		CreatedAt:                 d.CreatedAt,
	}
}
