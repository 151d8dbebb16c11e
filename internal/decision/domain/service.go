package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

// SubmitRequest is one placement request as it arrives over the API.
type SubmitRequest struct {
	TenantID          string         `json:"tenant_id"`
	ServiceID         string         `json:"service_id"`
	Class             string         `json:"class"`
	EnergyEstimateKWh float64        `json:"energy_estimate_kwh"`
	RequestedRegion   string         `json:"requested_region,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Outcome is the caller-visible result of one evaluation pass, or the
// replayed result when the workload is already terminal.
type Outcome struct {
	WorkloadID snowflake.ID
	Status     workloaddomain.WorkloadStatus
	Class      workloaddomain.WorkloadClass
	ReasonCode string
	// RetryAfter is non-zero only while deferred: poll again after this
	// long. Deferred workloads are also picked up by the background poller.
	RetryAfter time.Duration
	// Decision is nil while the workload is submitted or deferred.
	Decision *SchedulingDecision
}

// OutcomeResponse is the API shape of an outcome.
type OutcomeResponse struct {
	WorkloadID        string                        `json:"workload_id"`
	Status            workloaddomain.WorkloadStatus `json:"status"`
	Class             workloaddomain.WorkloadClass  `json:"class"`
	ReasonCode        string                        `json:"reason_code,omitempty"`
	RetryAfterSeconds int64                         `json:"retry_after_seconds,omitempty"`
	Decision          *Response                     `json:"decision,omitempty"`
}

// ToOutcomeResponse converts an outcome to its API shape.
func ToOutcomeResponse(o *Outcome) *OutcomeResponse {
	if o == nil {
		return nil
	}
	return &OutcomeResponse{
		WorkloadID:        o.WorkloadID.String(),
		Status:            o.Status,
		Class:             o.Class,
		ReasonCode:        o.ReasonCode,
		RetryAfterSeconds: int64(o.RetryAfter / time.Second),
		Decision:          ToResponse(o.Decision),
	}
}

// WorkloadView pairs a workload with its current (non-superseded) decision.
type WorkloadView struct {
	Workload *workloaddomain.Workload
	Decision *SchedulingDecision
}

// WorkloadResponse is the API shape of a workload with its current decision.
type WorkloadResponse struct {
	ID                string                        `json:"id"`
	TenantID          string                        `json:"tenant_id"`
	ServiceID         string                        `json:"service_id"`
	Class             workloaddomain.WorkloadClass  `json:"class"`
	EnergyEstimateKWh float64                       `json:"energy_estimate_kwh"`
	RequestedRegion   string                        `json:"requested_region,omitempty"`
	SubmittedAt       time.Time                     `json:"submitted_at"`
	Deadline          time.Time                     `json:"deadline"`
	Status            workloaddomain.WorkloadStatus `json:"status"`
	Metadata          map[string]any                `json:"metadata,omitempty"`
	LastEvaluatedAt   *time.Time                    `json:"last_evaluated_at,omitempty"`
	CreatedAt         time.Time                     `json:"created_at"`
	Decision          *Response                     `json:"decision,omitempty"`
}

// ToWorkloadResponse converts a view to its API shape.
func ToWorkloadResponse(v *WorkloadView) *WorkloadResponse {
	if v == nil || v.Workload == nil {
		return nil
	}
	w := v.Workload
	return &WorkloadResponse{
		ID:                w.ID.String(),
		TenantID:          w.TenantID.String(),
		ServiceID:         w.ServiceID,
		Class:             w.Class,
		EnergyEstimateKWh: w.EnergyEstimateKWh,
		RequestedRegion:   w.RequestedRegion,
		SubmittedAt:       w.SubmittedAt,
		Deadline:          w.Deadline,
		Status:            w.Status,
		Metadata:          w.Metadata,
		LastEvaluatedAt:   w.LastEvaluatedAt,
		CreatedAt:         w.CreatedAt,
		Decision:          ToResponse(v.Decision),
	}
}

// Service runs placement passes and owns the decision lifecycle.
type Service interface {
	// Submit creates the workload, then runs one evaluation pass.
	Submit(ctx context.Context, req SubmitRequest) (*Outcome, error)

	// Poll re-runs the pass for submitted or deferred workloads. Terminal
	// workloads replay the recorded outcome without side effects.
	Poll(ctx context.Context, workloadID snowflake.ID) (*Outcome, error)

	// Reevaluate produces a superseding decision from a fresh snapshot and
	// policy version. Allowed only while the current decision's ScheduledAt
	// is in the future; when the fresh pass cannot improve on the current
	// placement the current decision is kept.
	Reevaluate(ctx context.Context, workloadID snowflake.ID) (*Outcome, error)

	// Withdraw cancels a workload before it is decided. Terminal.
	Withdraw(ctx context.Context, workloadID snowflake.ID) (*Outcome, error)

	// Get returns the workload with its current decision.
	Get(ctx context.Context, workloadID snowflake.ID) (*WorkloadView, error)
}

var (
	// ErrDecisionImmutable rejects a re-evaluation of a decision whose
	// scheduled time has already passed.
	ErrDecisionImmutable = errors.New("decision_immutable")
)

// RejectionError carries the persisted rejection outcome alongside the gate
// error that caused it, so transports can surface both.
type RejectionError struct {
	Outcome *Outcome
	Cause   error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("workload rejected: %v", e.Cause)
}

func (e *RejectionError) Unwrap() error { return e.Cause }
