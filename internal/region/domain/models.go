package domain

import (
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lib/pq"
)

// Region describes an execution region and the static placement hints
// supplied by the executor fleet.
type Region struct {
	ID                 string         `json:"id" gorm:"primaryKey;type:text"`
	DisplayName        string         `json:"display_name" gorm:"type:text;not null"`
	GDPREligible       bool           `json:"gdpr_eligible" gorm:"column:gdpr_eligible;not null;default:false"`
	CostMultiplier     float64        `json:"cost_multiplier" gorm:"not null;default:1"`
	RenewableSharePct  float64        `json:"renewable_share_pct" gorm:"column:renewable_share_pct;not null;default:0"`
	BaselineGCO2PerKWh float64        `json:"baseline_gco2_per_kwh" gorm:"column:baseline_gco2_per_kwh;not null"`
	LatencyScore       float64        `json:"latency_score" gorm:"not null;default:0"`
	AvailabilityScore  float64        `json:"availability_score" gorm:"not null;default:0"`
	CleanHourWindows   pq.StringArray `json:"clean_hour_windows" gorm:"type:text[]"`
	Active             bool           `json:"active" gorm:"not null;default:true"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Region) TableName() string { return "regions" }

// CarbonSample is one observed grid intensity reading. Rows are append-only;
// duplicates on (region_id, observed_at) are rejected by the unique index.
type CarbonSample struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	RegionID   string       `json:"region_id" gorm:"column:region_id;type:text;not null;uniqueIndex:ux_carbon_samples_region_observed,priority:1"`
	GCO2PerKWh float64      `json:"gco2_per_kwh" gorm:"column:gco2_per_kwh;not null"`
	ObservedAt time.Time    `json:"observed_at" gorm:"not null;uniqueIndex:ux_carbon_samples_region_observed,priority:2"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CarbonSample) TableName() string { return "carbon_samples" }

// IntensityReading is the intensity attributed to one region inside a
// snapshot. Degraded marks readings served from the static baseline because
// live telemetry was missing or stale.
type IntensityReading struct {
	GCO2PerKWh float64   `json:"gco2_per_kwh"`
	ObservedAt time.Time `json:"observed_at"`
	Degraded   bool      `json:"degraded"`
}

// Snapshot is the view of grid intensity captured for one evaluation pass.
type Snapshot struct {
	Intensities map[string]IntensityReading `json:"intensities"`
	TakenAt     time.Time                   `json:"taken_at"`
}

// Reading returns the intensity recorded for a region.
func (s *Snapshot) Reading(regionID string) (IntensityReading, bool) {
	if s == nil {
		return IntensityReading{}, false
	}
	r, ok := s.Intensities[regionID]
	return r, ok
}

var slugRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// NormalizeID slugs a raw region identifier: lowercased, trimmed, spaces
// and punctuation collapsed to hyphens.
func NormalizeID(raw string) string {
	return slug.Make(raw)
}

// ValidID reports whether a normalized slug is usable as a region id.
func ValidID(id string) bool {
	return slugRe.MatchString(id)
}
