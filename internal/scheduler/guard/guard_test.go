package guard

import (
	"testing"
	"time"

	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	"github.com/stretchr/testify/require"
)

func TestCanFinalize(t *testing.T) {
	require.NoError(t, CanFinalize(workloaddomain.WorkloadStatusSubmitted))
	require.NoError(t, CanFinalize(workloaddomain.WorkloadStatusDeferred))
	require.ErrorIs(t, CanFinalize(workloaddomain.WorkloadStatusDecided), ErrWorkloadTerminal)
	require.ErrorIs(t, CanFinalize(workloaddomain.WorkloadStatusRejected), ErrWorkloadTerminal)
	require.ErrorIs(t, CanFinalize(workloaddomain.WorkloadStatusWithdrawn), ErrWorkloadTerminal)
}

func TestCanWithdraw(t *testing.T) {
	require.NoError(t, CanWithdraw(workloaddomain.WorkloadStatusDeferred))
	require.ErrorIs(t, CanWithdraw(workloaddomain.WorkloadStatusWithdrawn), ErrWorkloadTerminal)
}

func TestCanReevaluate(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, CanReevaluate(workloaddomain.WorkloadStatusDecided, now.Add(time.Hour), now))
	require.ErrorIs(t, CanReevaluate(workloaddomain.WorkloadStatusDecided, now, now), ErrDecisionInPast)
	require.ErrorIs(t, CanReevaluate(workloaddomain.WorkloadStatusDecided, now.Add(-time.Hour), now), ErrDecisionInPast)
	require.ErrorIs(t, CanReevaluate(workloaddomain.WorkloadStatusRejected, now.Add(time.Hour), now), ErrWorkloadTerminal)
}

func TestCanEscalate(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, CanEscalate(workloaddomain.WorkloadStatusDeferred, now, now))
	require.NoError(t, CanEscalate(workloaddomain.WorkloadStatusDeferred, now.Add(-time.Minute), now))
	require.ErrorIs(t, CanEscalate(workloaddomain.WorkloadStatusDeferred, now.Add(time.Minute), now), ErrWorkloadNotOverdue)
	require.ErrorIs(t, CanEscalate(workloaddomain.WorkloadStatusDecided, now.Add(-time.Minute), now), ErrWorkloadNotDeferred)
}
