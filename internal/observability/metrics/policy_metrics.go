package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PolicyMetrics captures scheduling policy outcomes for SLOs and reporting.
type PolicyMetrics struct {
	decisions          *prometheus.CounterVec
	decisionDuration   prometheus.Observer
	residencyOverrides *prometheus.CounterVec
	co2Penalty         prometheus.Counter
	budgetReservations *prometheus.CounterVec
	budgetConsumed     *prometheus.GaugeVec
	carbonIntensity    *prometheus.GaugeVec
	carbonSamples      *prometheus.CounterVec
	staleFallbacks     prometheus.Counter
	scalerVerdicts     *prometheus.CounterVec
	alertEvents        *prometheus.CounterVec
	auditOverflow      prometheus.Counter
	auditDropped       prometheus.Counter
}

var (
	policyMetricsOnce sync.Once
	policyMetrics     *PolicyMetrics
)

// Policy returns the singleton policy metrics registry.
func Policy() *PolicyMetrics {
	return PolicyWithConfig(Config{})
}

// PolicyWithConfig returns the singleton policy metrics registry using config labels.
func PolicyWithConfig(cfg Config) *PolicyMetrics {
	policyMetricsOnce.Do(func() {
		policyMetrics = newPolicyMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return policyMetrics
}

// ResetPolicyMetricsForTest resets the policy metrics singleton for tests.
func ResetPolicyMetricsForTest() {
	policyMetricsOnce = sync.Once{}
	policyMetrics = nil
}

func newPolicyMetrics(registerer prometheus.Registerer, cfg Config) *PolicyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "verdant"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_decisions_total",
		Help:        "Placement decisions by outcome and workload class.",
		ConstLabels: constLabels,
	}, []string{"outcome", "class"})
	decisionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "verdant_decision_duration_seconds",
		Help:        "Latency of a full decision evaluation pass.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	residencyOverrides := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_residency_overrides_total",
		Help:        "Carbon hints overridden by residency policy, by enforcement mode.",
		ConstLabels: constLabels,
	}, []string{"mode"})
	co2Penalty := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "verdant_co2_penalty_grams_total",
		Help:        "Accumulated CO2 penalty grams paid for residency overrides.",
		ConstLabels: constLabels,
	})
	budgetReservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_budget_reservations_total",
		Help:        "Budget reservation attempts by enforcement action and verdict.",
		ConstLabels: constLabels,
	}, []string{"action", "allowed"})
	budgetConsumed := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "verdant_budget_consumed_ratio",
		Help:        "Consumed fraction of the current budget period per service.",
		ConstLabels: constLabels,
	}, []string{"service_id"})
	carbonIntensity := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "verdant_carbon_intensity_gco2_kwh",
		Help:        "Latest ingested carbon intensity per region.",
		ConstLabels: constLabels,
	}, []string{"region"})
	carbonSamples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_carbon_samples_total",
		Help:        "Ingested carbon samples per region.",
		ConstLabels: constLabels,
	}, []string{"region"})
	staleFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "verdant_stale_fallbacks_total",
		Help:        "Snapshot readings that fell back to the regional baseline.",
		ConstLabels: constLabels,
	})
	scalerVerdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_scaler_verdicts_total",
		Help:        "Scale advisor verdicts by region, class and answer.",
		ConstLabels: constLabels,
	}, []string{"region", "class", "should_scale"})
	alertEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_alert_events_total",
		Help:        "Alert events recorded, by type and severity.",
		ConstLabels: constLabels,
	}, []string{"type", "severity"})
	auditOverflow := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "verdant_audit_enqueue_overflow_total",
		Help:        "Audit enqueues that bypassed the buffer and wrote synchronously.",
		ConstLabels: constLabels,
	})
	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "verdant_audit_dropped_total",
		Help:        "Audit records dropped after exhausting write retries.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		decisions,
		decisionDuration,
		residencyOverrides,
		co2Penalty,
		budgetReservations,
		budgetConsumed,
		carbonIntensity,
		carbonSamples,
		staleFallbacks,
		scalerVerdicts,
		alertEvents,
		auditOverflow,
		auditDropped,
	)

	return &PolicyMetrics{
		decisions:          decisions,
		decisionDuration:   decisionDuration,
		residencyOverrides: residencyOverrides,
		co2Penalty:         co2Penalty,
		budgetReservations: budgetReservations,
		budgetConsumed:     budgetConsumed,
		carbonIntensity:    carbonIntensity,
		carbonSamples:      carbonSamples,
		staleFallbacks:     staleFallbacks,
		scalerVerdicts:     scalerVerdicts,
		alertEvents:        alertEvents,
		auditOverflow:      auditOverflow,
		auditDropped:       auditDropped,
	}
}

// IncDecision increments the decision counter for an outcome and class.
func (m *PolicyMetrics) IncDecision(outcome, class string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, class).Inc()
}

// ObserveDecisionDuration records the latency of one evaluation pass.
func (m *PolicyMetrics) ObserveDecisionDuration(duration time.Duration) {
	if m == nil || m.decisionDuration == nil {
		return
	}
	m.decisionDuration.Observe(duration.Seconds())
}

// IncResidencyOverride increments the override counter for an enforcement mode.
func (m *PolicyMetrics) IncResidencyOverride(mode string) {
	if m == nil || m.residencyOverrides == nil {
		return
	}
	m.residencyOverrides.WithLabelValues(mode).Inc()
}

// AddCO2Penalty accumulates override penalty grams.
func (m *PolicyMetrics) AddCO2Penalty(grams float64) {
	if m == nil || m.co2Penalty == nil || grams <= 0 {
		return
	}
	m.co2Penalty.Add(grams)
}

// IncBudgetReservation increments reservation attempts for an action and verdict.
func (m *PolicyMetrics) IncBudgetReservation(action string, allowed bool) {
	if m == nil || m.budgetReservations == nil {
		return
	}
	m.budgetReservations.WithLabelValues(action, strconv.FormatBool(allowed)).Inc()
}

// SetBudgetConsumedRatio sets the consumed fraction gauge for a service.
func (m *PolicyMetrics) SetBudgetConsumedRatio(serviceID string, ratio float64) {
	if m == nil || m.budgetConsumed == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	m.budgetConsumed.WithLabelValues(serviceID).Set(ratio)
}

// SetCarbonIntensity sets the latest intensity gauge for a region.
func (m *PolicyMetrics) SetCarbonIntensity(region string, gCO2PerKWh float64) {
	if m == nil || m.carbonIntensity == nil {
		return
	}
	m.carbonIntensity.WithLabelValues(region).Set(gCO2PerKWh)
}

// IncCarbonSample increments the ingested sample counter for a region.
func (m *PolicyMetrics) IncCarbonSample(region string) {
	if m == nil || m.carbonSamples == nil {
		return
	}
	m.carbonSamples.WithLabelValues(region).Inc()
}

// IncStaleFallback increments the baseline fallback counter.
func (m *PolicyMetrics) IncStaleFallback() {
	if m == nil || m.staleFallbacks == nil {
		return
	}
	m.staleFallbacks.Inc()
}

// IncScalerVerdict increments the scale advisor verdict counter.
func (m *PolicyMetrics) IncScalerVerdict(region, class string, shouldScale bool) {
	if m == nil || m.scalerVerdicts == nil {
		return
	}
	m.scalerVerdicts.WithLabelValues(region, class, strconv.FormatBool(shouldScale)).Inc()
}

// IncAlertEvent increments the alert event counter for a type and severity.
func (m *PolicyMetrics) IncAlertEvent(alertType, severity string) {
	if m == nil || m.alertEvents == nil {
		return
	}
	m.alertEvents.WithLabelValues(alertType, severity).Inc()
}

// IncAuditEnqueueOverflow increments the synchronous-fallback counter.
func (m *PolicyMetrics) IncAuditEnqueueOverflow() {
	if m == nil || m.auditOverflow == nil {
		return
	}
	m.auditOverflow.Inc()
}

// IncAuditDropped increments the dropped audit record counter.
func (m *PolicyMetrics) IncAuditDropped() {
	if m == nil || m.auditDropped == nil {
		return
	}
	m.auditDropped.Inc()
}
