// Package scoring ranks candidate regions for placement. All functions are
// pure so a ranking is reproducible from its recorded inputs.
package scoring

import (
	"sort"

	"github.com/smallbiznis/verdant/internal/config"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

// ScoredRegion carries the composite score and every sub-score that went
// into it, so audit records can reproduce the ranking.
type ScoredRegion struct {
	Region            regiondomain.Region `json:"-"`
	RegionID          string              `json:"region_id"`
	Intensity         float64             `json:"intensity_gco2_kwh"`
	Degraded          bool                `json:"degraded"`
	CarbonScore       float64             `json:"carbon_score"`
	CostScore         float64             `json:"cost_score"`
	LatencyScore      float64             `json:"latency_score"`
	AvailabilityScore float64             `json:"availability_score"`
	Score             float64             `json:"score"`
}

// Rank scores every candidate present in the snapshot and returns them
// best-first. Ties break on lower cost multiplier, then lexicographic
// region id, so equal-score rankings are deterministic.
func Rank(candidates []regiondomain.Region, snap *regiondomain.Snapshot, weights config.Weights) []ScoredRegion {
	if len(candidates) == 0 || snap == nil {
		return nil
	}

	wCarbon, wCost, wLatency, wAvailability := normalizeWeights(weights)

	maxIntensity := 0.0
	readings := make(map[string]regiondomain.IntensityReading, len(candidates))
	for i := range candidates {
		reading, ok := snap.Reading(candidates[i].ID)
		if !ok {
			// Regions the snapshot could not price are unplaceable this pass.
			continue
		}
		readings[candidates[i].ID] = reading
		if reading.GCO2PerKWh > maxIntensity {
			maxIntensity = reading.GCO2PerKWh
		}
	}

	scored := make([]ScoredRegion, 0, len(readings))
	for i := range candidates {
		region := candidates[i]
		reading, ok := readings[region.ID]
		if !ok {
			continue
		}

		carbonScore := 1.0
		if maxIntensity > 0 {
			carbonScore = clamp01(1 - reading.GCO2PerKWh/maxIntensity)
		}

		costScore := 0.0
		if region.CostMultiplier > 0 {
			costScore = clamp01(1 / region.CostMultiplier)
		}

		latencyScore := clamp01(region.LatencyScore)
		availabilityScore := clamp01(region.AvailabilityScore)

		scored = append(scored, ScoredRegion{
			Region:            region,
			RegionID:          region.ID,
			Intensity:         reading.GCO2PerKWh,
			Degraded:          reading.Degraded,
			CarbonScore:       carbonScore,
			CostScore:         costScore,
			LatencyScore:      latencyScore,
			AvailabilityScore: availabilityScore,
			Score: wCarbon*carbonScore +
				wCost*costScore +
				wLatency*latencyScore +
				wAvailability*availabilityScore,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Region.CostMultiplier != scored[j].Region.CostMultiplier {
			return scored[i].Region.CostMultiplier < scored[j].Region.CostMultiplier
		}
		return scored[i].RegionID < scored[j].RegionID
	})

	return scored
}

// EligibleSet filters candidates against the class carbon policy: intensity
// strictly under the threshold and renewable share at or above the floor.
// The urgent class passes vacuously because its effective policy pins the
// threshold to +Inf and the floor to 0. Filtered-out regions remain valid
// ranked fallbacks for deferral.
func EligibleSet(candidates []regiondomain.Region, snap *regiondomain.Snapshot, policy workloaddomain.ClassPolicy) []regiondomain.Region {
	if len(candidates) == 0 || snap == nil {
		return nil
	}

	var eligible []regiondomain.Region
	for i := range candidates {
		reading, ok := snap.Reading(candidates[i].ID)
		if !ok {
			continue
		}
		if reading.GCO2PerKWh >= policy.ThresholdGCO2PerKWh {
			continue
		}
		if candidates[i].RenewableSharePct < policy.MinRenewablePct {
			continue
		}
		eligible = append(eligible, candidates[i])
	}
	return eligible
}

func normalizeWeights(w config.Weights) (carbon, cost, latency, availability float64) {
	if w.IsZero() {
		w = config.DefaultPolicyConfig().Weights
	}

	sum := w.Carbon + w.Cost + w.Latency + w.Availability
	if sum <= 0 {
		w = config.DefaultPolicyConfig().Weights
		sum = w.Carbon + w.Cost + w.Latency + w.Availability
	}

	return w.Carbon / sum, w.Cost / sum, w.Latency / sum, w.Availability / sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
