package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	scalerdomain "github.com/smallbiznis/verdant/internal/scaler/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Regions regiondomain.Service
	Holder  *config.PolicyHolder
	Clock   clock.Clock
}

type Service struct {
	log     *zap.Logger
	regions regiondomain.Service
	holder  *config.PolicyHolder
	clock   clock.Clock
}

func New(p Params) scalerdomain.Service {
	return &Service{
		log:     p.Log.Named("scaler.service"),
		regions: p.Regions,
		holder:  p.Holder,
		clock:   p.Clock,
	}
}

func (s *Service) ShouldScale(ctx context.Context, regionID string, class workloaddomain.WorkloadClass) (*scalerdomain.Verdict, error) {
	id := regiondomain.NormalizeID(regionID)
	if !regiondomain.ValidID(id) {
		return nil, regiondomain.ErrInvalidID
	}

	region, err := s.regions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !region.Active {
		return nil, scalerdomain.ErrRegionInactive
	}

	cfg := s.holder.Current()
	policy := workloaddomain.EffectivePolicy(class, cfg)
	window := cfg.ScaleUpStreak
	if window <= 0 {
		window = 1
	}

	samples, err := s.regions.LatestSamples(ctx, id, window)
	if err != nil && !errors.Is(err, regiondomain.ErrNotFound) {
		return nil, err
	}

	// Newest first. With no telemetry at all the static baseline stands in
	// as a single reading, so a fresh region still gets a deterministic
	// answer instead of an error.
	intensities := make([]float64, 0, window)
	for _, sample := range samples {
		intensities = append(intensities, sample.GCO2PerKWh)
	}
	if len(intensities) == 0 {
		intensities = append(intensities, region.BaselineGCO2PerKWh)
	}

	streak := 0
	for _, gco2 := range intensities {
		if gco2 >= policy.ThresholdGCO2PerKWh {
			break
		}
		streak++
	}

	verdict := &scalerdomain.Verdict{
		RegionID:    id,
		Class:       class,
		ShouldScale: streak == len(intensities) && region.RenewableSharePct >= policy.MinRenewablePct,
		Streak:      streak,
		Intensity:   intensities[0],
		EvaluatedAt: s.clock.Now(),
	}

	obsmetrics.Policy().IncScalerVerdict(id, string(class), verdict.ShouldScale)

	s.log.Debug("scaler verdict",
		zap.String("region_id", id),
		zap.String("class", string(class)),
		zap.Bool("should_scale", verdict.ShouldScale),
		zap.Int("streak", verdict.Streak),
		zap.Float64("intensity", verdict.Intensity),
	)

	return verdict, nil
}
