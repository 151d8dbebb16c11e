package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	alertrepository "github.com/smallbiznis/verdant/internal/alert/repository"
	alertservice "github.com/smallbiznis/verdant/internal/alert/service"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	auditrepository "github.com/smallbiznis/verdant/internal/audit/repository"
	auditservice "github.com/smallbiznis/verdant/internal/audit/service"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	budgetrepository "github.com/smallbiznis/verdant/internal/budget/repository"
	budgetservice "github.com/smallbiznis/verdant/internal/budget/service"
	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	decisionrepository "github.com/smallbiznis/verdant/internal/decision/repository"
	decisionservice "github.com/smallbiznis/verdant/internal/decision/service"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	regionrepository "github.com/smallbiznis/verdant/internal/region/repository"
	regionservice "github.com/smallbiznis/verdant/internal/region/service"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	tenantrepository "github.com/smallbiznis/verdant/internal/tenant/repository"
	tenantservice "github.com/smallbiznis/verdant/internal/tenant/service"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	workloadrepository "github.com/smallbiznis/verdant/internal/workload/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pollerHarness struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	regions   regiondomain.Service
	tenants   tenantdomain.Service
	budgets   budgetdomain.Service
	decisions decisiondomain.Service
	sched     *Scheduler
}

func setupPollerHarness(t *testing.T) *pollerHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&regiondomain.Region{},
		&regiondomain.CarbonSample{},
		&tenantdomain.Tenant{},
		&workloaddomain.Workload{},
		&decisiondomain.SchedulingDecision{},
		&budgetdomain.CarbonBudget{},
		&auditdomain.AuditRecord{},
		&alertdomain.AlertEvent{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC))
	holder := config.NewStaticPolicyHolder(config.DefaultPolicyConfig())
	resolver := cache.NewDecisionResolverCache()
	log := zap.NewNop()

	regions := regionservice.New(regionservice.Params{
		DB: db, Log: log, GenID: node,
		Repo:   regionrepository.Provide(),
		Holder: holder, Cache: resolver, Clock: fc,
	})
	tenants := tenantservice.New(tenantservice.Params{
		DB: db, Log: log, GenID: node,
		Repo:      tenantrepository.Provide(),
		RegionSvc: regions, Cache: resolver, Clock: fc,
	})
	alerts := alertservice.New(alertservice.Params{
		DB: db, Log: log, GenID: node,
		Repo: alertrepository.Provide(), Clock: fc,
	})
	budgets := budgetservice.New(budgetservice.Params{
		DB: db, Log: log, GenID: node,
		Repo:   budgetrepository.Provide(),
		Holder: holder, Clock: fc, Alerts: alerts,
	})
	audit := auditservice.New(auditservice.Params{
		DB: db, Log: log, GenID: node,
		Repo: auditrepository.Provide(), Clock: fc,
	})
	decisions := decisionservice.New(decisionservice.Params{
		DB: db, Log: log, GenID: node,
		Repo:      decisionrepository.Provide(),
		Workloads: workloadrepository.Provide(),
		Tenants:   tenants, Regions: regions, Budgets: budgets,
		Audit: audit, Alerts: alerts,
		Holder: holder, Clock: fc,
	})

	sched, err := New(Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		DecisionSvc: decisions,
		BudgetSvc:   budgets,
		AuditSvc:    audit,
		Config:      Config{BatchSize: 10},
	})
	require.NoError(t, err)

	return &pollerHarness{
		db: db, clock: fc,
		regions: regions, tenants: tenants, budgets: budgets,
		decisions: decisions, sched: sched,
	}
}

func (h *pollerHarness) registerRegion(t *testing.T, id string, baseline, renewable float64) {
	t.Helper()
	_, err := h.regions.Register(context.Background(), regiondomain.RegisterRequest{
		ID:                 id,
		DisplayName:        id,
		CostMultiplier:     1.0,
		RenewableSharePct:  renewable,
		BaselineGCO2PerKWh: baseline,
		LatencyScore:       0.9,
		AvailabilityScore:  0.9,
	})
	require.NoError(t, err)
}

func (h *pollerHarness) ingest(t *testing.T, region string, gco2 float64) {
	t.Helper()
	_, err := h.regions.IngestSample(context.Background(), regiondomain.IngestSampleRequest{
		RegionID:   region,
		GCO2PerKWh: gco2,
		ObservedAt: h.clock.Now(),
	})
	require.NoError(t, err)
}

func (h *pollerHarness) createTenant(t *testing.T, class string) string {
	t.Helper()
	resp, err := h.tenants.Create(context.Background(), tenantdomain.CreateRequest{
		Name:            "acme",
		ResidencyClass:  class,
		EnforcementMode: "STRICT",
	})
	require.NoError(t, err)
	return resp.ID
}

func TestRunOnceReevaluatesDeferredWhenGridCleans(t *testing.T) {
	h := setupPollerHarness(t)
	ctx := context.Background()

	// Dirty grid everywhere: a deferrable submission must wait.
	h.registerRegion(t, "eu-north", 350, 80)
	h.registerRegion(t, "eu-central", 420, 40)
	h.ingest(t, "eu-north", 320)
	h.ingest(t, "eu-central", 400)
	tenantID := h.createTenant(t, "GLOBAL")

	outcome, err := h.decisions.Submit(ctx, decisiondomain.SubmitRequest{
		TenantID:          tenantID,
		ServiceID:         "batch-ml",
		Class:             "deferrable",
		EnergyEstimateKWh: 12,
	})
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDeferred, outcome.Status)

	// First cycle: still dirty, still deferred.
	h.clock.Advance(time.Minute)
	h.ingest(t, "eu-north", 330)
	h.ingest(t, "eu-central", 410)
	require.NoError(t, h.sched.RunOnce(ctx))

	view, err := h.decisions.Get(ctx, outcome.WorkloadID)
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDeferred, view.Workload.Status)

	// The wind picks up in eu-north: the next cycle should finalize there.
	h.clock.Advance(10 * time.Minute)
	h.ingest(t, "eu-north", 120)
	require.NoError(t, h.sched.RunOnce(ctx))

	view, err = h.decisions.Get(ctx, outcome.WorkloadID)
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDecided, view.Workload.Status)
	require.NotNil(t, view.Decision)
	require.Equal(t, "eu-north", view.Decision.ChosenRegion)
	require.False(t, view.Decision.DeadlineEscalated)
}

func TestRunOnceEscalatesPastDeadline(t *testing.T) {
	h := setupPollerHarness(t)
	ctx := context.Background()

	h.registerRegion(t, "eu-north", 300, 80)
	h.ingest(t, "eu-north", 320)
	tenantID := h.createTenant(t, "GLOBAL")

	outcome, err := h.decisions.Submit(ctx, decisiondomain.SubmitRequest{
		TenantID:          tenantID,
		ServiceID:         "batch-ml",
		Class:             "deferrable",
		EnergyEstimateKWh: 5,
	})
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDeferred, outcome.Status)

	// Jump past the 12h deferrable window. The grid never cleaned, so the
	// poller must force a decision at the deadline.
	h.clock.Advance(13 * time.Hour)
	require.NoError(t, h.sched.RunOnce(ctx))

	view, err := h.decisions.Get(ctx, outcome.WorkloadID)
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDecided, view.Workload.Status)
	require.NotNil(t, view.Decision)
	require.True(t, view.Decision.DeadlineEscalated)
	require.Equal(t, decisiondomain.ReasonDeadlineEscalated, view.Decision.ReasonCode)
	require.False(t, view.Decision.ScheduledAt.After(view.Workload.Deadline))

	// Escalation fires a warning alert.
	var alertCount int64
	require.NoError(t, h.db.Model(&alertdomain.AlertEvent{}).
		Where("type = ?", alertdomain.AlertTypeDeadlineEscalation).
		Count(&alertCount).Error)
	require.Equal(t, int64(1), alertCount)
}

func TestStaleClaimedBatchCannotDoubleFinalize(t *testing.T) {
	h := setupPollerHarness(t)
	ctx := context.Background()

	h.registerRegion(t, "eu-north", 350, 80)
	h.ingest(t, "eu-north", 320)
	tenantID := h.createTenant(t, "GLOBAL")

	outcome, err := h.decisions.Submit(ctx, decisiondomain.SubmitRequest{
		TenantID:          tenantID,
		ServiceID:         "batch-ml",
		Class:             "deferrable",
		EnergyEstimateKWh: 8,
	})
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDeferred, outcome.Status)

	h.clock.Advance(time.Minute)
	h.ingest(t, "eu-north", 100)

	// A second replica reads the same deferred batch before this one
	// finishes its pass. The claim takes no row locks, so nothing stops
	// the overlap; the guarded transitions have to.
	stale, err := h.sched.fetchDeferredForWork(ctx, h.clock.Now(), nil, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, h.sched.RunOnce(ctx))

	view, err := h.decisions.Get(ctx, outcome.WorkloadID)
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDecided, view.Workload.Status)
	require.NotNil(t, view.Decision)
	firstDecision := view.Decision.ID

	// Replaying the stale claim lands on the recorded outcome instead of
	// producing a second decision.
	for _, w := range stale {
		replay, err := h.decisions.Poll(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, firstDecision, replay.Decision.ID)
	}

	var current int64
	require.NoError(t, h.db.Model(&decisiondomain.SchedulingDecision{}).
		Where("workload_id = ? AND superseded = ?", int64(outcome.WorkloadID), false).
		Count(&current).Error)
	require.Equal(t, int64(1), current)
}

func TestRunOnceRollsBudgetPeriodsOver(t *testing.T) {
	h := setupPollerHarness(t)
	ctx := context.Background()

	_, err := h.budgets.Configure(ctx, budgetdomain.ConfigureRequest{
		ServiceID:         "batch-ml",
		LimitKgCO2e:       100,
		EnforcementAction: "advisory",
	})
	require.NoError(t, err)

	// Cross the month boundary and run a cycle: a fresh period row must
	// exist without any submission touching the budget.
	h.clock.Set(time.Date(2025, 7, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, h.sched.RunOnce(ctx))

	current, err := h.budgets.Current(ctx, "batch-ml")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), current.PeriodStart)
	require.Zero(t, current.ConsumedKgCO2e)
}

func TestRunOnceFlushesAuditBacklog(t *testing.T) {
	h := setupPollerHarness(t)
	ctx := context.Background()

	h.registerRegion(t, "eu-north", 100, 80)
	h.ingest(t, "eu-north", 90)
	tenantID := h.createTenant(t, "GLOBAL")

	outcome, err := h.decisions.Submit(ctx, decisiondomain.SubmitRequest{
		TenantID:          tenantID,
		ServiceID:         "batch-ml",
		Class:             "standard",
		EnergyEstimateKWh: 3,
	})
	require.NoError(t, err)
	require.Equal(t, workloaddomain.WorkloadStatusDecided, outcome.Status)

	require.NoError(t, h.sched.RunOnce(ctx))

	var auditCount int64
	require.NoError(t, h.db.Model(&auditdomain.AuditRecord{}).
		Where("workload_id = ?", outcome.WorkloadID).
		Count(&auditCount).Error)
	require.NotZero(t, auditCount)
}
