package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context, activeOnly bool) ([]Response, error)

	// ActiveRegions returns the active catalog rows for evaluation passes.
	ActiveRegions(ctx context.Context) ([]Region, error)

	IngestSample(ctx context.Context, req IngestSampleRequest) (*SampleResponse, error)
	LatestSamples(ctx context.Context, regionID string, n int) ([]CarbonSample, error)

	// TakeSnapshot resolves the working intensity for every given region,
	// falling back to the static baseline when telemetry is missing or
	// older than the configured staleness bound.
	TakeSnapshot(ctx context.Context, regions []Region) (*Snapshot, error)
}

type RegisterRequest struct {
	ID                 string   `json:"id"`
	DisplayName        string   `json:"display_name"`
	GDPREligible       bool     `json:"gdpr_eligible"`
	CostMultiplier     float64  `json:"cost_multiplier"`
	RenewableSharePct  float64  `json:"renewable_share_pct"`
	BaselineGCO2PerKWh float64  `json:"baseline_gco2_per_kwh"`
	LatencyScore       float64  `json:"latency_score"`
	AvailabilityScore  float64  `json:"availability_score"`
	CleanHourWindows   []string `json:"clean_hour_windows"`
	Active             *bool    `json:"active"`
}

type UpdateRequest struct {
	ID                 string    `json:"id"`
	DisplayName        *string   `json:"display_name,omitempty"`
	GDPREligible       *bool     `json:"gdpr_eligible,omitempty"`
	CostMultiplier     *float64  `json:"cost_multiplier,omitempty"`
	RenewableSharePct  *float64  `json:"renewable_share_pct,omitempty"`
	BaselineGCO2PerKWh *float64  `json:"baseline_gco2_per_kwh,omitempty"`
	LatencyScore       *float64  `json:"latency_score,omitempty"`
	AvailabilityScore  *float64  `json:"availability_score,omitempty"`
	CleanHourWindows   *[]string `json:"clean_hour_windows,omitempty"`
	Active             *bool     `json:"active,omitempty"`
}

type Response struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name"`
	GDPREligible       bool      `json:"gdpr_eligible"`
	CostMultiplier     float64   `json:"cost_multiplier"`
	RenewableSharePct  float64   `json:"renewable_share_pct"`
	BaselineGCO2PerKWh float64   `json:"baseline_gco2_per_kwh"`
	LatencyScore       float64   `json:"latency_score"`
	AvailabilityScore  float64   `json:"availability_score"`
	CleanHourWindows   []string  `json:"clean_hour_windows"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type IngestSampleRequest struct {
	RegionID   string    `json:"region_id"`
	GCO2PerKWh float64   `json:"gco2_per_kwh"`
	ObservedAt time.Time `json:"observed_at"`
}

type SampleResponse struct {
	ID         string    `json:"id"`
	RegionID   string    `json:"region_id"`
	GCO2PerKWh float64   `json:"gco2_per_kwh"`
	ObservedAt time.Time `json:"observed_at"`
	Duplicate  bool      `json:"duplicate"`
}

var (
	ErrInvalidID          = errors.New("invalid_region_id")
	ErrInvalidDisplayName = errors.New("invalid_display_name")
	ErrInvalidCost        = errors.New("invalid_cost_multiplier")
	ErrInvalidRenewable   = errors.New("invalid_renewable_share")
	ErrInvalidBaseline    = errors.New("invalid_baseline_intensity")
	ErrInvalidScore       = errors.New("invalid_score")
	ErrInvalidWindow      = errors.New("invalid_clean_hour_window")
	ErrInvalidIntensity   = errors.New("invalid_intensity")
	ErrInvalidObservedAt  = errors.New("invalid_observed_at")
	ErrNotFound           = errors.New("region_not_found")
	ErrAlreadyExists      = errors.New("region_already_exists")
	ErrNoUsableRegions    = errors.New("no_usable_regions")
)
