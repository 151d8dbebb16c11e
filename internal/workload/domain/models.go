package domain

import (
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/config"
	"gorm.io/datatypes"
)

// WorkloadStatus tracks a workload through the decision lifecycle.
type WorkloadStatus string

const (
	WorkloadStatusSubmitted WorkloadStatus = "submitted"
	WorkloadStatusDeferred  WorkloadStatus = "deferred"
	WorkloadStatusDecided   WorkloadStatus = "decided"
	WorkloadStatusRejected  WorkloadStatus = "rejected"
	WorkloadStatusWithdrawn WorkloadStatus = "withdrawn"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkloadStatus) IsTerminal() bool {
	switch s {
	case WorkloadStatusDecided, WorkloadStatusRejected, WorkloadStatusWithdrawn:
		return true
	default:
		return false
	}
}

// WorkloadClass partitions workloads by scheduling flexibility.
type WorkloadClass string

const (
	WorkloadClassUrgent     WorkloadClass = "urgent"
	WorkloadClassStandard   WorkloadClass = "standard"
	WorkloadClassDeferrable WorkloadClass = "deferrable"
)

// ClassPolicy bounds how long and under what carbon conditions a class may wait.
type ClassPolicy struct {
	MaxDelay            time.Duration
	ThresholdGCO2PerKWh float64
	MinRenewablePct     float64
}

var classPolicies = map[WorkloadClass]ClassPolicy{
	WorkloadClassUrgent: {
		MaxDelay:            0,
		ThresholdGCO2PerKWh: math.Inf(1),
		MinRenewablePct:     0,
	},
	WorkloadClassStandard: {
		MaxDelay:            60 * time.Minute,
		ThresholdGCO2PerKWh: 400,
		MinRenewablePct:     0,
	},
	WorkloadClassDeferrable: {
		MaxDelay:            720 * time.Minute,
		ThresholdGCO2PerKWh: 250,
		MinRenewablePct:     30,
	},
}

// Classify maps a raw class name onto a known class. Unknown values fall
// back to standard; the second return reports whether the input was known.
func Classify(raw string) (WorkloadClass, bool) {
	switch WorkloadClass(strings.ToLower(strings.TrimSpace(raw))) {
	case WorkloadClassUrgent:
		return WorkloadClassUrgent, true
	case WorkloadClassStandard:
		return WorkloadClassStandard, true
	case WorkloadClassDeferrable:
		return WorkloadClassDeferrable, true
	default:
		return WorkloadClassStandard, false
	}
}

// EffectivePolicy applies PolicyConfig class overrides to the static table.
// urgent stays pinned to zero delay and an unbounded threshold regardless of
// configuration.
func EffectivePolicy(class WorkloadClass, cfg config.PolicyConfig) ClassPolicy {
	policy := classPolicies[class]
	if override, ok := cfg.Classes[string(class)]; ok {
		if override.MaxDelayMinutes != nil {
			policy.MaxDelay = time.Duration(*override.MaxDelayMinutes) * time.Minute
		}
		if override.ThresholdGCO2PerKWh != nil {
			policy.ThresholdGCO2PerKWh = *override.ThresholdGCO2PerKWh
		}
		if override.MinRenewablePct != nil {
			policy.MinRenewablePct = *override.MinRenewablePct
		}
	}
	if class == WorkloadClassUrgent {
		policy.MaxDelay = 0
		policy.ThresholdGCO2PerKWh = math.Inf(1)
	}
	return policy
}

// Workload is a placement request awaiting or holding a decision.
type Workload struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	TenantID          snowflake.ID      `gorm:"not null;index"`
	ServiceID         string            `gorm:"type:text;not null;index"`
	Class             WorkloadClass     `gorm:"type:text;not null"`
	EnergyEstimateKWh float64           `gorm:"not null"`
	RequestedRegion   string            `gorm:"type:text"`
	SubmittedAt       time.Time         `gorm:"not null"`
	Deadline          time.Time         `gorm:"not null;index"`
	Status            WorkloadStatus    `gorm:"type:text;not null;default:'submitted';index"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	LastEvaluatedAt   *time.Time        `gorm:""`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Workload) TableName() string { return "workloads" }
