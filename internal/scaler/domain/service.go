package domain

import (
	"context"
	"errors"
	"time"

	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

// Verdict is one scale-up recommendation for a (region, class) pair. The
// evaluator is stateless: Streak counts qualifying samples already in the
// telemetry store, so repeated calls with unchanged samples return the
// same verdict.
type Verdict struct {
	RegionID    string                       `json:"region_id"`
	Class       workloaddomain.WorkloadClass `json:"class"`
	ShouldScale bool                         `json:"should_scale"`
	// Streak is the number of most recent consecutive samples under the
	// class threshold, capped at the configured damping window.
	Streak      int       `json:"streak"`
	Intensity   float64   `json:"intensity_gco2_per_kwh"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Service answers the external autoscaler's poll loop.
type Service interface {
	// ShouldScale reports whether capacity in regionID is worth adding for
	// the given class right now. Read-only; no sample is consumed.
	ShouldScale(ctx context.Context, regionID string, class workloaddomain.WorkloadClass) (*Verdict, error)
}

var (
	// ErrRegionInactive rejects verdicts for regions removed from rotation.
	ErrRegionInactive = errors.New("region_inactive")
)
