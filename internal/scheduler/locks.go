package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

// WorkWorkload is the slim projection the poller claims for a pass. The
// decision service re-reads the full row inside its own transaction.
type WorkWorkload struct {
	ID          snowflake.ID
	TenantID    snowflake.ID
	ServiceID   string
	Class       workloaddomain.WorkloadClass
	Status      workloaddomain.WorkloadStatus
	SubmittedAt time.Time
	Deadline    time.Time
}

// fetchDeferredForWork reads deferred workloads still ahead of their
// deadline, oldest deadline first. A pass usually leaves them deferred, so
// batches page by (deadline, id) keyset instead of re-reading the front of
// the queue. The claim is a plain read: the leader lock keeps replicas from
// running jobs at once, and the status-guarded transitions inside the
// decision pass absorb any overlap that slips through.
func (s *Scheduler) fetchDeferredForWork(ctx context.Context, now time.Time, after *WorkWorkload, limit int) ([]WorkWorkload, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	cursorDeadline := time.Time{}
	cursorID := snowflake.ID(0)
	if after != nil {
		cursorDeadline = after.Deadline
		cursorID = after.ID
	}
	var workloads []WorkWorkload
	pollerMetrics := obsmetrics.Poller()
	claimStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, service_id, class, status, submitted_at, deadline
		 FROM workloads
		 WHERE status = ? AND deadline > ?
		   AND (deadline > ? OR (deadline = ? AND id > ?))
		 ORDER BY deadline ASC, id ASC
		 LIMIT ?`,
		workloaddomain.WorkloadStatusDeferred,
		now,
		cursorDeadline,
		cursorDeadline,
		cursorID,
		limit,
	).Scan(&workloads).Error
	pollerMetrics.ObserveClaimDuration(obsmetrics.ClaimResourceDeferredWorkloads, time.Since(claimStart))
	if err != nil {
		return nil, err
	}
	return workloads, nil
}

// fetchOverdueForWork reads deferred workloads whose deadline has passed.
// Same claim contract as fetchDeferredForWork: plain read, racing passes
// are resolved by the guarded transitions.
func (s *Scheduler) fetchOverdueForWork(ctx context.Context, now time.Time, limit int) ([]WorkWorkload, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var workloads []WorkWorkload
	pollerMetrics := obsmetrics.Poller()
	claimStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, service_id, class, status, submitted_at, deadline
		 FROM workloads
		 WHERE status = ? AND deadline <= ?
		 ORDER BY deadline ASC, id ASC
		 LIMIT ?`,
		workloaddomain.WorkloadStatusDeferred,
		now,
		limit,
	).Scan(&workloads).Error
	pollerMetrics.ObserveClaimDuration(obsmetrics.ClaimResourceOverdueWorkloads, time.Since(claimStart))
	if err != nil {
		return nil, err
	}
	return workloads, nil
}
