package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	auditcontext "github.com/smallbiznis/verdant/internal/auditcontext"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/carbonreport"
	"github.com/smallbiznis/verdant/internal/clock"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	"github.com/smallbiznis/verdant/internal/locker"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// leaderLockKey guards multi-replica deployments: only the lease holder
// runs a poll cycle. Without redis the poller runs lockless.
const leaderLockKey = "verdant:poller:leader"

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	DecisionSvc decisiondomain.Service
	BudgetSvc   budgetdomain.Service
	AuditSvc    auditdomain.Service

	Locker   *locker.Locker        `optional:"true"`
	Reporter *carbonreport.Reporter `optional:"true"`
	Config   Config                `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	decisionSvc decisiondomain.Service
	budgetSvc   budgetdomain.Service
	auditSvc    auditdomain.Service
	locker      *locker.Locker
	reporter    *carbonreport.Reporter
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.DecisionSvc == nil || p.BudgetSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("poller").With(zap.String("component", "poller")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		decisionSvc: p.DecisionSvc,
		budgetSvc:   p.BudgetSvc,
		auditSvc:    p.AuditSvc,
		locker:      p.Locker,
		reporter:    p.Reporter,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, "system", "poller")
	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(run)
	}

	pollerMetrics := obsmetrics.Poller()
	err := fn(ctx)
	pollerMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		pollerMetrics.IncJobRun(name, obsmetrics.PollerRunResultOK)
		return nil
	}

	// A job that runs out of its slice resumes on the next tick; only
	// report it as a timeout, not a failure.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		pollerMetrics.IncJobRun(name, obsmetrics.PollerRunResultTimeout)
		pollerMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	pollerMetrics.IncJobRun(name, obsmetrics.PollerRunResultError)
	pollerMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job exactly once and joins their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if lease, ok := s.acquireLeadership(parent); !ok {
		return nil
	} else if lease != nil {
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				s.log.Warn("leader lock release failed", zap.Error(err))
			}
		}()
	}

	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"reevaluate_deferred", s.isJobEnabled("reevaluate_deferred"), func(ctx context.Context) error {
			return s.runJob(ctx, "reevaluate_deferred", s.cfg.JobTimeout, s.ReevaluateDeferredJob)
		}},
		{"escalate_overdue", s.isJobEnabled("escalate_overdue"), func(ctx context.Context) error {
			return s.runJob(ctx, "escalate_overdue", s.cfg.JobTimeout, s.EscalateOverdueJob)
		}},
		{"ensure_budget_periods", s.isJobEnabled("ensure_budget_periods"), func(ctx context.Context) error {
			return s.runJob(ctx, "ensure_budget_periods", s.cfg.JobTimeout, s.EnsureBudgetPeriodsJob)
		}},
		{"flush_audit", s.isJobEnabled("flush_audit"), func(ctx context.Context) error {
			return s.runJob(ctx, "flush_audit", s.cfg.JobTimeout, s.FlushAuditJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	if s.reporter.Enabled() && s.isJobEnabled("push_report_metrics") {
		err = errors.Join(err, s.runJob(parent, "push_report_metrics", s.cfg.JobTimeout, s.PushReportMetricsJob))
	}

	return err
}

// RunForever ticks RunOnce until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	pollerMetrics := obsmetrics.Poller()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			pollerMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("poller run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// acquireLeadership takes the redis leader lease when a locker is wired.
// The returned bool reports whether this replica should run the cycle.
func (s *Scheduler) acquireLeadership(ctx context.Context) (*locker.Lease, bool) {
	if !s.locker.Enabled() {
		return nil, true
	}
	lease, ok, err := s.locker.Acquire(ctx, leaderLockKey, s.cfg.LeaderLockTTL)
	if err != nil {
		s.log.Warn("leader lock acquire failed, running lockless", zap.Error(err))
		return nil, true
	}
	if !ok {
		s.log.Debug("another replica holds the poller lease, skipping cycle")
		return nil, false
	}
	return lease, true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything (single-binary mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
