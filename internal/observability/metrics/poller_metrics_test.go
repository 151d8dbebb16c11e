package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyPollerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: PollerJobReasonDeadlineExceeded,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			want: PollerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: PollerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: PollerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: PollerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: PollerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPollerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsPollerErrorRetryable(t *testing.T) {
	if IsPollerErrorRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if !IsPollerErrorRetryable(context.DeadlineExceeded) {
		t.Fatal("deadline must be retryable")
	}
	if !IsPollerErrorRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure must be retryable")
	}
	if IsPollerErrorRetryable(errors.New("budget: limit exceeded")) {
		t.Fatal("business errors must not be retryable")
	}
	if IsPollerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatal("record not found must not be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newPollerMetrics(registry, Config{
		ServiceName: "verdant",
		Environment: "test",
	})

	metrics.AddBatchProcessed("reevaluate_deferred", "workloads", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("reevaluate_deferred", "workloads"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncWorkloadTransitionUsesPreboundCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newPollerMetrics(registry, Config{
		ServiceName: "verdant",
		Environment: "test",
	})

	metrics.IncWorkloadTransition("submitted", "deferred")
	metrics.IncWorkloadTransition("deferred", "decided")
	metrics.IncWorkloadTransition("deferred", "decided")

	got := testutil.ToFloat64(metrics.workloadTransitions.WithLabelValues("deferred", "decided"))
	if got != 2 {
		t.Fatalf("expected 2 deferred->decided transitions, got %v", got)
	}
}
