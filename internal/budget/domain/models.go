package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

// EnforcementAction decides what happens when a period runs out of budget.
type EnforcementAction string

const (
	ActionAdvisory EnforcementAction = "advisory"
	ActionThrottle EnforcementAction = "throttle"
	ActionBlock    EnforcementAction = "block"

	// ActionNone is a reservation-only value for services with no budget
	// configured. It is never a valid stored enforcement action.
	ActionNone EnforcementAction = "none"
)

// ParseEnforcementAction maps a raw value onto a configurable action.
func ParseEnforcementAction(raw string) (EnforcementAction, bool) {
	switch EnforcementAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionAdvisory:
		return ActionAdvisory, true
	case ActionThrottle:
		return ActionThrottle, true
	case ActionBlock:
		return ActionBlock, true
	default:
		return "", false
	}
}

// CarbonBudget is one service's emissions allowance for one calendar month.
// The newest row per service doubles as the template for rollover.
type CarbonBudget struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	ServiceID         string            `gorm:"type:text;not null;uniqueIndex:ux_carbon_budgets_service_period,priority:1"`
	PeriodStart       time.Time         `gorm:"not null;uniqueIndex:ux_carbon_budgets_service_period,priority:2"`
	PeriodEnd         time.Time         `gorm:"not null"`
	LimitKgCO2e       float64           `gorm:"not null"`
	ConsumedKgCO2e    float64           `gorm:"not null;default:0"`
	AlertThresholdPct float64           `gorm:"not null;default:80"`
	EnforcementAction EnforcementAction `gorm:"type:text;not null;default:'advisory'"`
	AlertFired        bool              `gorm:"not null;default:false"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CarbonBudget) TableName() string { return "carbon_budgets" }

// ConsumedRatio is the consumed fraction of the limit, 0 when unlimited.
func (b CarbonBudget) ConsumedRatio() float64 {
	if b.LimitKgCO2e <= 0 {
		return 0
	}
	return b.ConsumedKgCO2e / b.LimitKgCO2e
}

// PeriodBounds returns the UTC calendar month covering at. The end bound is
// exclusive: it is the first instant of the following month.
func PeriodBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

var serviceIDRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// NormalizeServiceID slugs a raw service identifier the same way region
// ids are slugged, so budget rows and decisions key on one spelling.
func NormalizeServiceID(raw string) string {
	return slug.Make(raw)
}

// ValidServiceID reports whether a normalized slug is usable as a service id.
func ValidServiceID(id string) bool {
	return serviceIDRe.MatchString(id)
}
