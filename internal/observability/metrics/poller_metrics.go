package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	"gorm.io/gorm"
)

const (
	pollerErrorTypeDeadlineExceeded = "deadline_exceeded"
	pollerErrorTypeBusinessRule     = "business_rule"
	pollerErrorTypeDB               = "db"
)

const (
	PollerErrorTypeDeadlineExceeded = pollerErrorTypeDeadlineExceeded
	PollerErrorTypeBusinessRule     = pollerErrorTypeBusinessRule
	PollerErrorTypeDB               = pollerErrorTypeDB
	PollerErrorTypeUnknown          = "unknown"
)

const (
	PollerJobReasonDeadlineExceeded     = "deadline_exceeded"
	PollerJobReasonDBLockTimeout        = "db_lock_timeout"
	PollerJobReasonSerializationFailure = "serialization_failure"
	PollerJobReasonUniqueViolation      = "unique_violation"
	PollerJobReasonUnknown              = "unknown"

	PollerBatchDeferredReasonAlreadyFinalized = "already_finalized"
)

const (
	PollerRunResultOK      = "ok"
	PollerRunResultError   = "error"
	PollerRunResultTimeout = "timeout"
)

const (
	ClaimResourceDeferredWorkloads = "deferred_workloads"
	ClaimResourceOverdueWorkloads  = "overdue_workloads"
	ClaimResourceBudgetPeriods     = "budget_periods"
)

// PollerMetrics captures background poller health signals.
type PollerMetrics struct {
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobTimeouts         *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	batchProcessed      *prometheus.CounterVec
	batchDeferred       *prometheus.CounterVec
	batchSize           *prometheus.HistogramVec
	runLoopLag          prometheus.Observer
	workloadTransitions *prometheus.CounterVec
	claimDuration       *prometheus.HistogramVec
	transitionCounts    map[string]map[string]prometheus.Counter
	claimObserver       map[string]prometheus.Observer
}

var (
	pollerMetricsOnce sync.Once
	pollerMetrics     *PollerMetrics
)

// Poller returns the singleton poller metrics registry.
func Poller() *PollerMetrics {
	return PollerWithConfig(Config{})
}

// PollerWithConfig returns the singleton poller metrics registry using config labels.
func PollerWithConfig(cfg Config) *PollerMetrics {
	pollerMetricsOnce.Do(func() {
		pollerMetrics = newPollerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pollerMetrics
}

// ResetPollerMetricsForTest resets the poller metrics singleton for tests.
func ResetPollerMetricsForTest() {
	pollerMetricsOnce = sync.Once{}
	pollerMetrics = nil
}

func newPollerMetrics(registerer prometheus.Registerer, cfg Config) *PollerMetrics {
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

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_poller_runs_total",
		Help:        "Poller job runs by name and result.",
		ConstLabels: constLabels,
	}, []string{"job", "result"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "verdant_poller_duration_seconds",
		Help:        "Poller job latency to protect re-evaluation freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_poller_timeouts_total",
		Help:        "Poller job timeouts that threaten deferred workload deadlines.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_poller_errors_total",
		Help:        "Poller job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_poller_batch_processed_total",
		Help:        "Poller batch items processed to gauge re-evaluation throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_poller_batch_deferred_total",
		Help:        "Poller batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchSize := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "verdant_poller_batch_size",
		Help:        "Claimed batch sizes per poller job.",
		Buckets:     []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		ConstLabels: constLabels,
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "verdant_poller_runloop_lag_seconds",
		Help:        "Poller run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	workloadTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "verdant_workload_transitions_total",
		Help:        "Workload lifecycle transitions to validate decision pipeline health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	claimDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "verdant_poller_claim_duration_seconds",
		Help:        "Latency of the poller claim queries per resource.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		batchSize,
		runLoopLag,
		workloadTransitions,
		claimDuration,
	)

	transitionCounts := map[string]map[string]prometheus.Counter{
		string(workloaddomain.WorkloadStatusSubmitted): {
			string(workloaddomain.WorkloadStatusDeferred): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusSubmitted),
				string(workloaddomain.WorkloadStatusDeferred),
			),
			string(workloaddomain.WorkloadStatusDecided): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusSubmitted),
				string(workloaddomain.WorkloadStatusDecided),
			),
			string(workloaddomain.WorkloadStatusRejected): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusSubmitted),
				string(workloaddomain.WorkloadStatusRejected),
			),
			string(workloaddomain.WorkloadStatusWithdrawn): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusSubmitted),
				string(workloaddomain.WorkloadStatusWithdrawn),
			),
		},
		string(workloaddomain.WorkloadStatusDeferred): {
			string(workloaddomain.WorkloadStatusDecided): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusDeferred),
				string(workloaddomain.WorkloadStatusDecided),
			),
			string(workloaddomain.WorkloadStatusRejected): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusDeferred),
				string(workloaddomain.WorkloadStatusRejected),
			),
			string(workloaddomain.WorkloadStatusWithdrawn): workloadTransitions.WithLabelValues(
				string(workloaddomain.WorkloadStatusDeferred),
				string(workloaddomain.WorkloadStatusWithdrawn),
			),
		},
	}

	claimObserver := map[string]prometheus.Observer{
		ClaimResourceDeferredWorkloads: claimDuration.WithLabelValues(ClaimResourceDeferredWorkloads),
		ClaimResourceOverdueWorkloads:  claimDuration.WithLabelValues(ClaimResourceOverdueWorkloads),
		ClaimResourceBudgetPeriods:     claimDuration.WithLabelValues(ClaimResourceBudgetPeriods),
	}

	return &PollerMetrics{
		jobRuns:             jobRuns,
		jobDuration:         jobDuration,
		jobTimeouts:         jobTimeouts,
		jobErrors:           jobErrors,
		batchProcessed:      batchProcessed,
		batchDeferred:       batchDeferred,
		batchSize:           batchSize,
		runLoopLag:          runLoopLag,
		workloadTransitions: workloadTransitions,
		claimDuration:       claimDuration,
		transitionCounts:    transitionCounts,
		claimObserver:       claimObserver,
	}
}

// IncJobRun increments the run counter for a poller job with its result.
func (m *PollerMetrics) IncJobRun(job, result string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}

// ObserveJobDuration records poller job latency in seconds.
func (m *PollerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the poller job.
func (m *PollerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the poller job error counter with classification.
func (m *PollerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyPollerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *PollerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *PollerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveBatchSize records the size of a claimed batch.
func (m *PollerMetrics) ObserveBatchSize(job string, size int) {
	if m == nil || m.batchSize == nil || size < 0 {
		return
	}
	m.batchSize.WithLabelValues(job).Observe(float64(size))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PollerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncWorkloadTransition increments workload lifecycle transition counters.
func (m *PollerMetrics) IncWorkloadTransition(from, to string) {
	if m == nil || m.workloadTransitions == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.workloadTransitions.WithLabelValues(from, to).Inc()
}

// ObserveClaimDuration records how long a claim query took for a resource.
func (m *PollerMetrics) ObserveClaimDuration(resource string, duration time.Duration) {
	if m == nil || m.claimDuration == nil {
		return
	}
	if observer, ok := m.claimObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.claimDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyPollerErrorType returns a low-cardinality error type for logging.
func ClassifyPollerErrorType(err error) string {
	if err == nil {
		return PollerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PollerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return PollerErrorTypeDB
	}
	return PollerErrorTypeBusinessRule
}

// IsPollerErrorRetryable reports whether the poller error should be retried.
func IsPollerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifyPollerJobReason maps poller job errors to low-cardinality reasons.
func ClassifyPollerJobReason(err error) string {
	if err == nil {
		return PollerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PollerJobReasonDeadlineExceeded
	}
	if isDBLockTimeout(err) {
		return PollerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return PollerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return PollerJobReasonUniqueViolation
	}
	return PollerJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
