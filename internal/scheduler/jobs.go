package scheduler

import (
	"context"
	"errors"

	auditcontext "github.com/smallbiznis/verdant/internal/auditcontext"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/internal/scheduler/guard"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	"go.uber.org/zap"
)

// ReevaluateDeferredJob re-runs the decision pass for deferred workloads
// that are still ahead of their deadline. A pass that leaves the workload
// deferred is normal; a RejectionError is a completed finalize, not a job
// failure.
func (s *Scheduler) ReevaluateDeferredJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reevaluate_deferred")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	pollerMetrics := obsmetrics.Poller()
	var jobErr error
	var cursor *WorkWorkload

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := s.fetchDeferredForWork(ctx, now, cursor, s.cfg.BatchSize)
		if err != nil {
			s.logJobError(run, "poller.claim.failed", "reevaluate_deferred", err)
			return errors.Join(jobErr, err)
		}
		pollerMetrics.ObserveBatchSize("reevaluate_deferred", len(batch))
		if len(batch) == 0 {
			break
		}

		processed := 0
		for i := range batch {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if err := s.pollOne(ctx, run, "reevaluate_deferred", batch[i]); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
		run.AddProcessed(processed)
		pollerMetrics.AddBatchProcessed("reevaluate_deferred", obsmetrics.ClaimResourceDeferredWorkloads, processed)

		if len(batch) < s.cfg.BatchSize {
			break
		}
		cursor = &batch[len(batch)-1]
	}

	return jobErr
}

// EscalateOverdueJob forces a final decision for deferred workloads whose
// deadline has passed. The decision pass itself performs the escalation;
// claiming until the overdue set drains is safe because every pass moves
// the workload to a terminal or decided status.
func (s *Scheduler) EscalateOverdueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "escalate_overdue")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	pollerMetrics := obsmetrics.Poller()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := s.fetchOverdueForWork(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logJobError(run, "poller.claim.failed", "escalate_overdue", err)
			return errors.Join(jobErr, err)
		}
		pollerMetrics.ObserveBatchSize("escalate_overdue", len(batch))
		if len(batch) == 0 {
			break
		}

		processed := 0
		for i := range batch {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			w := batch[i]
			if err := guard.CanEscalate(w.Status, w.Deadline, now); err != nil {
				// Finalized by a racing pass between the claim and here.
				pollerMetrics.IncBatchDeferred("escalate_overdue", obsmetrics.PollerBatchDeferredReasonAlreadyFinalized)
				continue
			}
			if err := s.pollOne(ctx, run, "escalate_overdue", w); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
		run.AddProcessed(processed)
		pollerMetrics.AddBatchProcessed("escalate_overdue", obsmetrics.ClaimResourceOverdueWorkloads, processed)

		// Every successful pass finalizes, so an all-error batch would spin.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// pollOne runs one decision pass for a claimed workload and swallows the
// outcomes that are not failures from the poller's point of view.
func (s *Scheduler) pollOne(ctx context.Context, run *jobRun, job string, w WorkWorkload) error {
	ctx = auditcontext.WithTenantID(ctx, w.TenantID.String())
	ctx = auditcontext.WithWorkloadID(ctx, w.ID.String())

	outcome, err := s.decisionSvc.Poll(ctx, w.ID)
	if err != nil {
		var rejection *decisiondomain.RejectionError
		switch {
		case errors.As(err, &rejection):
			// Finalized as rejected: the pass completed.
			s.log.Info("poller.workload.rejected",
				zap.String("job", job),
				zap.String("workload_id", w.ID.String()),
				zap.String("reason_code", rejection.Outcome.ReasonCode),
			)
			return nil
		case errors.Is(err, workloaddomain.ErrWorkloadNotFound),
			errors.Is(err, workloaddomain.ErrWorkloadTerminal):
			// Withdrawn or finalized by a concurrent caller.
			return nil
		}
		s.logJobError(run, "poller.workload.poll.failed", job, err,
			zap.String("workload_id", w.ID.String()),
			zap.String("service_id", w.ServiceID),
		)
		return err
	}

	if outcome.Status != w.Status {
		obsmetrics.Poller().IncWorkloadTransition(string(w.Status), string(outcome.Status))
	}
	return nil
}

// EnsureBudgetPeriodsJob materializes current-month budget rows after a
// calendar rollover.
func (s *Scheduler) EnsureBudgetPeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "ensure_budget_periods")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	created, err := s.budgetSvc.EnsureCurrentPeriods(ctx, s.clock.Now())
	if err != nil {
		s.logJobError(run, "poller.budget.rollover.failed", "ensure_budget_periods", err)
		return err
	}
	run.AddProcessed(created)
	obsmetrics.Poller().AddBatchProcessed("ensure_budget_periods", obsmetrics.ClaimResourceBudgetPeriods, created)
	return nil
}

// FlushAuditJob drains the audit writer's buffer so records queued behind a
// slow database do not wait for the next natural flush.
func (s *Scheduler) FlushAuditJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "flush_audit")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	flushed, err := s.auditSvc.Flush(ctx)
	if err != nil {
		s.logJobError(run, "poller.audit.flush.failed", "flush_audit", err)
		return err
	}
	run.AddProcessed(flushed)
	return nil
}

// PushReportMetricsJob collects and pushes the carbon report when a sink is
// configured.
func (s *Scheduler) PushReportMetricsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "push_report_metrics")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	if err := s.reporter.Run(ctx, s.clock.Now()); err != nil {
		s.logJobError(run, "poller.report.push.failed", "push_report_metrics", err)
		return err
	}
	run.AddProcessed(1)
	return nil
}
