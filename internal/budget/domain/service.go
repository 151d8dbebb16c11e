package domain

import (
	"context"
	"errors"
	"time"
)

// ConfigureRequest upserts a service's budget for the current period.
type ConfigureRequest struct {
	ServiceID         string  `json:"service_id"`
	LimitKgCO2e       float64 `json:"limit_kg_co2e"`
	AlertThresholdPct float64 `json:"alert_threshold_pct"`
	EnforcementAction string  `json:"enforcement_action"`
}

// Response is the API shape of a budget period.
type Response struct {
	ID                string            `json:"id"`
	ServiceID         string            `json:"service_id"`
	PeriodStart       time.Time         `json:"period_start"`
	PeriodEnd         time.Time         `json:"period_end"`
	LimitKgCO2e       float64           `json:"limit_kg_co2e"`
	ConsumedKgCO2e    float64           `json:"consumed_kg_co2e"`
	ConsumedRatio     float64           `json:"consumed_ratio"`
	AlertThresholdPct float64           `json:"alert_threshold_pct"`
	EnforcementAction EnforcementAction `json:"enforcement_action"`
	AlertFired        bool              `json:"alert_fired"`
}

// Reservation is the outcome of gating one estimated emission against the
// covering budget period.
type Reservation struct {
	// Allowed is false only for gated reservations against an exhausted
	// block-action budget.
	Allowed bool
	// Action is ActionThrottle when the caller must defer the workload to
	// the latest point before its deadline and commit consumption then;
	// otherwise ActionNone.
	Action    EnforcementAction
	OverLimit bool
	Budget    *CarbonBudget
}

// Service tracks per-service monthly carbon budgets. Reservation and commit
// are the only writers of ConsumedKgCO2e and keep it non-decreasing within
// a period.
type Service interface {
	Configure(ctx context.Context, req ConfigureRequest) (*Response, error)

	// Current returns the period covering now, materializing it from the
	// newest configuration when the rollover job has not run yet.
	Current(ctx context.Context, serviceID string) (*Response, error)

	// CheckAndReserve gates an estimated emission against the period
	// covering at. Within the limit, consumption is reserved atomically.
	// Over the limit the enforcement action decides: advisory admits and
	// still consumes, throttle admits without consuming (the caller
	// commits at the deferred time), block refuses and consumes nothing.
	CheckAndReserve(ctx context.Context, serviceID string, estimateKgCO2e float64, at time.Time) (Reservation, error)

	// CommitBypass unconditionally attributes kgCO2e to the period
	// covering at. Used for commits that are exempt from gating.
	CommitBypass(ctx context.Context, serviceID string, kgCO2e float64, at time.Time) error

	// EnsureCurrentPeriods creates missing current-month rows from each
	// service's newest configuration. Returns how many were created.
	EnsureCurrentPeriods(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrInvalidServiceID = errors.New("invalid_service_id")
	ErrInvalidLimit     = errors.New("invalid_budget_limit")
	ErrInvalidThreshold = errors.New("invalid_alert_threshold")
	ErrInvalidAction    = errors.New("invalid_enforcement_action")
	ErrNotFound         = errors.New("budget_not_found")

	// ErrExceeded rejects a submission against an exhausted block-action
	// budget. The message is part of the API contract.
	ErrExceeded = errors.New("budget: limit exceeded")
)
