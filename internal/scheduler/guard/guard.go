// Package guard holds the pure invariant checks the poller runs before
// touching a workload. Keeping them side-effect free lets jobs and tests
// share one source of truth for lifecycle legality.
package guard

import (
	"errors"
	"time"

	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

var (
	ErrWorkloadTerminal    = errors.New("workload_terminal")
	ErrWorkloadNotDeferred = errors.New("workload_not_deferred")
	ErrWorkloadNotOverdue  = errors.New("workload_not_overdue")
	ErrDecisionInPast      = errors.New("decision_scheduled_time_passed")
)

// CanFinalize reports whether a workload may still receive a decision.
func CanFinalize(status workloaddomain.WorkloadStatus) error {
	if status.IsTerminal() {
		return ErrWorkloadTerminal
	}
	return nil
}

// CanWithdraw reports whether a workload may still be withdrawn.
func CanWithdraw(status workloaddomain.WorkloadStatus) error {
	if status.IsTerminal() {
		return ErrWorkloadTerminal
	}
	return nil
}

// CanReevaluate reports whether a decided workload's placement may be
// revisited: only while the scheduled time is still in the future.
func CanReevaluate(status workloaddomain.WorkloadStatus, scheduledAt, now time.Time) error {
	if status != workloaddomain.WorkloadStatusDecided {
		return ErrWorkloadTerminal
	}
	if !scheduledAt.After(now) {
		return ErrDecisionInPast
	}
	return nil
}

// CanEscalate reports whether a deferred workload is past its deadline and
// must be forced to a final decision.
func CanEscalate(status workloaddomain.WorkloadStatus, deadline, now time.Time) error {
	if status != workloaddomain.WorkloadStatusDeferred {
		return ErrWorkloadNotDeferred
	}
	if now.Before(deadline) {
		return ErrWorkloadNotOverdue
	}
	return nil
}
