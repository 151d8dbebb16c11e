package domain

import (
	"math"
	"testing"
	"time"

	"github.com/smallbiznis/verdant/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFallsBackToStandard(t *testing.T) {
	class, known := Classify("DEFERRABLE")
	assert.Equal(t, WorkloadClassDeferrable, class)
	assert.True(t, known)

	class, known = Classify("batch-low-prio")
	assert.Equal(t, WorkloadClassStandard, class)
	assert.False(t, known)

	class, known = Classify("")
	assert.Equal(t, WorkloadClassStandard, class)
	assert.False(t, known)
}

func TestEffectivePolicyDefaults(t *testing.T) {
	cfg := config.DefaultPolicyConfig()

	urgent := EffectivePolicy(WorkloadClassUrgent, cfg)
	assert.Equal(t, time.Duration(0), urgent.MaxDelay)
	assert.True(t, math.IsInf(urgent.ThresholdGCO2PerKWh, 1))

	standard := EffectivePolicy(WorkloadClassStandard, cfg)
	assert.Equal(t, 60*time.Minute, standard.MaxDelay)
	assert.InDelta(t, 400, standard.ThresholdGCO2PerKWh, 1e-9)
	assert.InDelta(t, 0, standard.MinRenewablePct, 1e-9)

	deferrable := EffectivePolicy(WorkloadClassDeferrable, cfg)
	assert.Equal(t, 720*time.Minute, deferrable.MaxDelay)
	assert.InDelta(t, 250, deferrable.ThresholdGCO2PerKWh, 1e-9)
	assert.InDelta(t, 30, deferrable.MinRenewablePct, 1e-9)
}

func TestEffectivePolicyAppliesOverrides(t *testing.T) {
	maxDelay := 600
	threshold := 300.0
	cfg := config.DefaultPolicyConfig()
	cfg.Classes = map[string]config.ClassOverride{
		"deferrable": {MaxDelayMinutes: &maxDelay, ThresholdGCO2PerKWh: &threshold},
	}

	policy := EffectivePolicy(WorkloadClassDeferrable, cfg)
	assert.Equal(t, 600*time.Minute, policy.MaxDelay)
	assert.InDelta(t, 300, policy.ThresholdGCO2PerKWh, 1e-9)
	assert.InDelta(t, 30, policy.MinRenewablePct, 1e-9)
}

func TestEffectivePolicyPinsUrgent(t *testing.T) {
	maxDelay := 120
	threshold := 100.0
	cfg := config.DefaultPolicyConfig()
	cfg.Classes = map[string]config.ClassOverride{
		"urgent": {MaxDelayMinutes: &maxDelay, ThresholdGCO2PerKWh: &threshold},
	}

	policy := EffectivePolicy(WorkloadClassUrgent, cfg)
	require.Equal(t, time.Duration(0), policy.MaxDelay)
	require.True(t, math.IsInf(policy.ThresholdGCO2PerKWh, 1))
}

func TestWorkloadStatusTerminal(t *testing.T) {
	assert.False(t, WorkloadStatusSubmitted.IsTerminal())
	assert.False(t, WorkloadStatusDeferred.IsTerminal())
	assert.True(t, WorkloadStatusDecided.IsTerminal())
	assert.True(t, WorkloadStatusRejected.IsTerminal())
	assert.True(t, WorkloadStatusWithdrawn.IsTerminal())
}
