package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AlertType names the condition that raised the event.
type AlertType string

const (
	AlertTypeBudget             AlertType = "budgetAlert"
	AlertTypeResidencyViolation AlertType = "residencyViolation"
	AlertTypeDeadlineEscalation AlertType = "deadlineEscalation"
)

// ParseAlertType maps a raw value onto a known alert type.
func ParseAlertType(raw string) (AlertType, bool) {
	switch AlertType(strings.TrimSpace(raw)) {
	case AlertTypeBudget:
		return AlertTypeBudget, true
	case AlertTypeResidencyViolation:
		return AlertTypeResidencyViolation, true
	case AlertTypeDeadlineEscalation:
		return AlertTypeDeadlineEscalation, true
	default:
		return "", false
	}
}

// Severity grades an alert for downstream routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a raw value onto a known severity.
func ParseSeverity(raw string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityInfo:
		return SeverityInfo, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityCritical:
		return SeverityCritical, true
	default:
		return "", false
	}
}

// AlertEvent is an append-only notification record. Delivery to humans is
// an external concern; this table is the queue of record.
type AlertEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	Type       AlertType         `gorm:"type:text;not null;index"`
	Severity   Severity          `gorm:"type:text;not null"`
	ServiceID  string            `gorm:"type:text;index"`
	TenantID   *snowflake.ID     `gorm:"index"`
	WorkloadID *snowflake.ID     `gorm:""`
	RegionID   string            `gorm:"type:text"`
	Message    string            `gorm:"type:text;not null"`
	Payload    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (AlertEvent) TableName() string { return "alert_events" }
