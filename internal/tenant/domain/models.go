package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ResidencyClass constrains where a tenant's workloads may run.
type ResidencyClass string

const (
	ResidencyEUStrict     ResidencyClass = "EU_STRICT"
	ResidencyUSOnly       ResidencyClass = "US_ONLY"
	ResidencyGlobal       ResidencyClass = "GLOBAL"
	ResidencySingleRegion ResidencyClass = "SINGLE_REGION"
)

// ParseResidencyClass normalizes and validates a residency class string.
func ParseResidencyClass(raw string) (ResidencyClass, bool) {
	switch ResidencyClass(strings.ToUpper(strings.TrimSpace(raw))) {
	case ResidencyEUStrict:
		return ResidencyEUStrict, true
	case ResidencyUSOnly:
		return ResidencyUSOnly, true
	case ResidencyGlobal:
		return ResidencyGlobal, true
	case ResidencySingleRegion:
		return ResidencySingleRegion, true
	default:
		return "", false
	}
}

// EnforcementMode decides whether residency violations block placement.
type EnforcementMode string

const (
	EnforcementStrict   EnforcementMode = "STRICT"
	EnforcementAdvisory EnforcementMode = "ADVISORY"
	EnforcementDisabled EnforcementMode = "DISABLED"
)

// ParseEnforcementMode normalizes and validates an enforcement mode string.
func ParseEnforcementMode(raw string) (EnforcementMode, bool) {
	switch EnforcementMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case EnforcementStrict:
		return EnforcementStrict, true
	case EnforcementAdvisory:
		return EnforcementAdvisory, true
	case EnforcementDisabled:
		return EnforcementDisabled, true
	default:
		return "", false
	}
}

// Tenant owns workloads and carries the residency policy applied to them.
type Tenant struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	Name            string          `json:"name" gorm:"type:text;not null"`
	ResidencyClass  ResidencyClass  `json:"residency_class" gorm:"type:text;not null"`
	PrimaryRegion   string          `json:"primary_region" gorm:"type:text"`
	EnforcementMode EnforcementMode `json:"enforcement_mode" gorm:"type:text;not null;default:'STRICT'"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }
