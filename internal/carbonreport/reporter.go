package carbonreport

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reporter maintains a dedicated registry of point-in-time gauges and pushes
// it through the configured sink. It shares nothing with the /metrics
// registry: the report is a snapshot of scheduling state, not process
// telemetry.
type Reporter struct {
	db       *gorm.DB
	log      *zap.Logger
	regions  regiondomain.Service
	pusher   Pusher
	registry *prometheus.Registry

	workloads       *prometheus.GaugeVec
	decisions       *prometheus.GaugeVec
	budgetConsumed  *prometheus.GaugeVec
	budgetLimit     *prometheus.GaugeVec
	carbonIntensity *prometheus.GaugeVec
	generatedAt     prometheus.Gauge
}

func NewReporter(db *gorm.DB, log *zap.Logger, regions regiondomain.Service, pusher Pusher) *Reporter {
	if pusher == nil {
		return nil
	}

	registry := prometheus.NewRegistry()
	r := &Reporter{
		db:       db,
		log:      log.Named("carbonreport"),
		regions:  regions,
		pusher:   pusher,
		registry: registry,
		workloads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdant_report_workloads",
			Help: "Workloads by lifecycle status.",
		}, []string{"status"}),
		decisions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdant_report_decisions",
			Help: "Current (non-superseded) decisions by outcome.",
		}, []string{"outcome"}),
		budgetConsumed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdant_report_budget_consumed_kg",
			Help: "CO2e consumed in the current budget period.",
		}, []string{"service_id"}),
		budgetLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdant_report_budget_limit_kg",
			Help: "CO2e limit of the current budget period.",
		}, []string{"service_id"}),
		carbonIntensity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdant_report_carbon_intensity_gco2_kwh",
			Help: "Working grid intensity per active region.",
		}, []string{"region"}),
		generatedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verdant_report_generated_at_seconds",
			Help: "Unix time the report was collected.",
		}),
	}

	registry.MustRegister(
		r.workloads,
		r.decisions,
		r.budgetConsumed,
		r.budgetLimit,
		r.carbonIntensity,
		r.generatedAt,
	)
	return r
}

// Enabled reports whether a sink is configured.
func (r *Reporter) Enabled() bool {
	return r != nil && r.pusher != nil
}

// Run collects the current scheduling state and pushes the report.
func (r *Reporter) Run(ctx context.Context, now time.Time) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.collect(ctx, now); err != nil {
		return err
	}
	return r.pusher.Push(ctx, r.registry)
}

func (r *Reporter) collect(ctx context.Context, now time.Time) error {
	r.generatedAt.Set(float64(now.Unix()))

	type countRow struct {
		Key   string
		Count float64
	}

	var statusRows []countRow
	if err := r.db.WithContext(ctx).Raw(
		`SELECT status AS key, COUNT(*) AS count FROM workloads GROUP BY status`,
	).Scan(&statusRows).Error; err != nil {
		return err
	}
	r.workloads.Reset()
	for _, row := range statusRows {
		r.workloads.WithLabelValues(row.Key).Set(row.Count)
	}

	var outcomeRows []countRow
	if err := r.db.WithContext(ctx).Raw(
		`SELECT outcome AS key, COUNT(*) AS count
		 FROM scheduling_decisions
		 WHERE superseded = ?
		 GROUP BY outcome`, false,
	).Scan(&outcomeRows).Error; err != nil {
		return err
	}
	r.decisions.Reset()
	for _, row := range outcomeRows {
		r.decisions.WithLabelValues(row.Key).Set(row.Count)
	}

	var budgets []budgetdomain.CarbonBudget
	if err := r.db.WithContext(ctx).
		Where("period_start <= ? AND period_end > ?", now, now).
		Find(&budgets).Error; err != nil {
		return err
	}
	r.budgetConsumed.Reset()
	r.budgetLimit.Reset()
	for _, b := range budgets {
		r.budgetConsumed.WithLabelValues(b.ServiceID).Set(b.ConsumedKgCO2e)
		r.budgetLimit.WithLabelValues(b.ServiceID).Set(b.LimitKgCO2e)
	}

	active, err := r.regions.ActiveRegions(ctx)
	if err != nil {
		return err
	}
	r.carbonIntensity.Reset()
	if len(active) > 0 {
		snap, err := r.regions.TakeSnapshot(ctx, active)
		if err != nil {
			return err
		}
		for id, reading := range snap.Intensities {
			r.carbonIntensity.WithLabelValues(id).Set(reading.GCO2PerKWh)
		}
	}

	return nil
}
