package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const snapshotKeyPrefix = "verdant:snapshot:"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       regiondomain.Repository
	Holder     *config.PolicyHolder
	Cache      cache.DecisionResolverCache
	Clock      clock.Clock
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       regiondomain.Repository
	holder     *config.PolicyHolder
	cache      cache.DecisionResolverCache
	clock      clock.Clock
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) regiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("region.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		holder:     p.Holder,
		cache:      p.Cache,
		clock:      p.Clock,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Register(ctx context.Context, req regiondomain.RegisterRequest) (*regiondomain.Response, error) {
	id := regiondomain.NormalizeID(req.ID)
	if !regiondomain.ValidID(id) {
		return nil, regiondomain.ErrInvalidID
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		return nil, regiondomain.ErrInvalidDisplayName
	}

	if err := validateAttributes(req.CostMultiplier, req.RenewableSharePct, req.BaselineGCO2PerKWh, req.LatencyScore, req.AvailabilityScore); err != nil {
		return nil, err
	}
	if err := validateWindows(req.CleanHourWindows); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, regiondomain.ErrAlreadyExists
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	region := &regiondomain.Region{
		ID:                 id,
		DisplayName:        displayName,
		GDPREligible:       req.GDPREligible,
		CostMultiplier:     req.CostMultiplier,
		RenewableSharePct:  req.RenewableSharePct,
		BaselineGCO2PerKWh: req.BaselineGCO2PerKWh,
		LatencyScore:       req.LatencyScore,
		AvailabilityScore:  req.AvailabilityScore,
		CleanHourWindows:   req.CleanHourWindows,
		Active:             active,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Insert(ctx, s.db, region); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, regiondomain.ErrAlreadyExists
		}
		return nil, err
	}

	s.cache.InvalidateRegions()
	return toResponse(region), nil
}

func (s *Service) Update(ctx context.Context, req regiondomain.UpdateRequest) (*regiondomain.Response, error) {
	id := regiondomain.NormalizeID(req.ID)
	if !regiondomain.ValidID(id) {
		return nil, regiondomain.ErrInvalidID
	}

	region, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return nil, regiondomain.ErrNotFound
	}

	if req.DisplayName != nil {
		displayName := strings.TrimSpace(*req.DisplayName)
		if displayName == "" {
			return nil, regiondomain.ErrInvalidDisplayName
		}
		region.DisplayName = displayName
	}
	if req.GDPREligible != nil {
		region.GDPREligible = *req.GDPREligible
	}
	if req.CostMultiplier != nil {
		region.CostMultiplier = *req.CostMultiplier
	}
	if req.RenewableSharePct != nil {
		region.RenewableSharePct = *req.RenewableSharePct
	}
	if req.BaselineGCO2PerKWh != nil {
		region.BaselineGCO2PerKWh = *req.BaselineGCO2PerKWh
	}
	if req.LatencyScore != nil {
		region.LatencyScore = *req.LatencyScore
	}
	if req.AvailabilityScore != nil {
		region.AvailabilityScore = *req.AvailabilityScore
	}
	if req.CleanHourWindows != nil {
		if err := validateWindows(*req.CleanHourWindows); err != nil {
			return nil, err
		}
		region.CleanHourWindows = *req.CleanHourWindows
	}
	if req.Active != nil {
		region.Active = *req.Active
	}

	if err := validateAttributes(region.CostMultiplier, region.RenewableSharePct, region.BaselineGCO2PerKWh, region.LatencyScore, region.AvailabilityScore); err != nil {
		return nil, err
	}

	region.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, region); err != nil {
		return nil, err
	}

	s.cache.InvalidateRegions()
	return toResponse(region), nil
}

func (s *Service) Get(ctx context.Context, id string) (*regiondomain.Response, error) {
	region, err := s.repo.FindByID(ctx, s.db, regiondomain.NormalizeID(id))
	if err != nil {
		return nil, err
	}
	if region == nil {
		return nil, regiondomain.ErrNotFound
	}
	return toResponse(region), nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]regiondomain.Response, error) {
	regions, err := s.repo.List(ctx, s.db, activeOnly)
	if err != nil {
		return nil, err
	}

	resp := make([]regiondomain.Response, 0, len(regions))
	for i := range regions {
		resp = append(resp, *toResponse(&regions[i]))
	}
	return resp, nil
}

func (s *Service) ActiveRegions(ctx context.Context) ([]regiondomain.Region, error) {
	if regions, ok := s.cache.GetActiveRegions(); ok {
		return regions, nil
	}

	regions, err := s.repo.List(ctx, s.db, true)
	if err != nil {
		return nil, err
	}

	s.cache.SetActiveRegions(regions)
	return regions, nil
}

func (s *Service) IngestSample(ctx context.Context, req regiondomain.IngestSampleRequest) (*regiondomain.SampleResponse, error) {
	regionID := regiondomain.NormalizeID(req.RegionID)
	if !regiondomain.ValidID(regionID) {
		return nil, regiondomain.ErrInvalidID
	}
	if req.GCO2PerKWh < 0 {
		return nil, regiondomain.ErrInvalidIntensity
	}
	if req.ObservedAt.IsZero() {
		return nil, regiondomain.ErrInvalidObservedAt
	}

	region, err := s.repo.FindByID(ctx, s.db, regionID)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return nil, regiondomain.ErrNotFound
	}

	sample := &regiondomain.CarbonSample{
		ID:         s.genID.Generate(),
		RegionID:   regionID,
		GCO2PerKWh: req.GCO2PerKWh,
		ObservedAt: req.ObservedAt.UTC(),
		CreatedAt:  s.clock.Now(),
	}

	if err := s.repo.InsertSample(ctx, s.db, sample); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Replayed telemetry is expected; the first write wins.
			return &regiondomain.SampleResponse{
				RegionID:   regionID,
				GCO2PerKWh: req.GCO2PerKWh,
				ObservedAt: sample.ObservedAt,
				Duplicate:  true,
			}, nil
		}
		return nil, err
	}

	obsmetrics.Policy().IncCarbonSample(regionID)
	// Backfilled samples older than the staleness bound do not move the
	// live gauge.
	bound := s.holder.Current().StalenessBound
	if s.clock.Now().Sub(sample.ObservedAt) <= bound {
		obsmetrics.Policy().SetCarbonIntensity(regionID, sample.GCO2PerKWh)
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordSampleIngest(ctx, regionID)
	}

	return &regiondomain.SampleResponse{
		ID:         sample.ID.String(),
		RegionID:   regionID,
		GCO2PerKWh: sample.GCO2PerKWh,
		ObservedAt: sample.ObservedAt,
	}, nil
}

func (s *Service) LatestSamples(ctx context.Context, regionID string, n int) ([]regiondomain.CarbonSample, error) {
	id := regiondomain.NormalizeID(regionID)
	if !regiondomain.ValidID(id) {
		return nil, regiondomain.ErrInvalidID
	}
	if n <= 0 {
		n = 10
	}
	if n > 100 {
		n = 100
	}

	region, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return nil, regiondomain.ErrNotFound
	}

	return s.repo.LatestSamples(ctx, s.db, id, n)
}

func (s *Service) TakeSnapshot(ctx context.Context, regions []regiondomain.Region) (*regiondomain.Snapshot, error) {
	if len(regions) == 0 {
		return nil, regiondomain.ErrNoUsableRegions
	}

	cacheKey := snapshotCacheKey(regions)
	if snap := s.cachedSnapshot(ctx, cacheKey); snap != nil {
		return snap, nil
	}

	ids := make([]string, 0, len(regions))
	for i := range regions {
		ids = append(ids, regions[i].ID)
	}

	latest, err := s.repo.LatestSamplePerRegion(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	cfg := s.holder.Current()
	now := s.clock.Now()

	intensities := make(map[string]regiondomain.IntensityReading, len(regions))
	var excluded []string
	for i := range regions {
		region := &regions[i]

		sample, ok := latest[region.ID]
		if ok && now.Sub(sample.ObservedAt) <= cfg.StalenessBound {
			intensities[region.ID] = regiondomain.IntensityReading{
				GCO2PerKWh: sample.GCO2PerKWh,
				ObservedAt: sample.ObservedAt,
				Degraded:   false,
			}
			continue
		}

		if region.BaselineGCO2PerKWh > 0 {
			reading := regiondomain.IntensityReading{
				GCO2PerKWh: region.BaselineGCO2PerKWh,
				Degraded:   true,
			}
			if ok {
				reading.ObservedAt = sample.ObservedAt
			}
			intensities[region.ID] = reading
			obsmetrics.Policy().IncStaleFallback()
			continue
		}

		excluded = append(excluded, region.ID)
	}

	if len(intensities) == 0 {
		return nil, regiondomain.ErrNoUsableRegions
	}
	if len(excluded) > 0 {
		s.log.Warn("regions excluded from snapshot, no telemetry and no baseline",
			zap.Strings("region_ids", excluded),
		)
	}

	snap := &regiondomain.Snapshot{
		Intensities: intensities,
		TakenAt:     now,
	}
	s.storeSnapshot(ctx, cacheKey, snap, cfg.SnapshotCacheTTL)
	return snap, nil
}

func (s *Service) cachedSnapshot(ctx context.Context, key string) *regiondomain.Snapshot {
	if s.redis == nil {
		return nil
	}

	payload, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Debug("snapshot cache read failed", zap.Error(err))
		}
		return nil
	}

	var snap regiondomain.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		s.log.Debug("snapshot cache payload invalid", zap.Error(err))
		return nil
	}
	return &snap
}

func (s *Service) storeSnapshot(ctx context.Context, key string, snap *regiondomain.Snapshot, ttl time.Duration) {
	if s.redis == nil || ttl <= 0 {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.log.Debug("snapshot cache write failed", zap.Error(err))
	}
}

func snapshotCacheKey(regions []regiondomain.Region) string {
	ids := make([]string, 0, len(regions))
	for i := range regions {
		ids = append(ids, regions[i].ID)
	}
	sort.Strings(ids)
	return snapshotKeyPrefix + strings.Join(ids, ",")
}

func validateAttributes(cost, renewable, baseline, latency, availability float64) error {
	if cost < 1 {
		return regiondomain.ErrInvalidCost
	}
	if renewable < 0 || renewable > 100 {
		return regiondomain.ErrInvalidRenewable
	}
	if baseline <= 0 {
		return regiondomain.ErrInvalidBaseline
	}
	if latency < 0 || latency > 1 || availability < 0 || availability > 1 {
		return regiondomain.ErrInvalidScore
	}
	return nil
}

// validateWindows checks "HH:MM-HH:MM" UTC ranges. Windows may wrap
// midnight, so no ordering is enforced between the two edges.
func validateWindows(windows []string) error {
	for _, w := range windows {
		parts := strings.Split(strings.TrimSpace(w), "-")
		if len(parts) != 2 {
			return regiondomain.ErrInvalidWindow
		}
		for _, part := range parts {
			if _, err := time.Parse("15:04", strings.TrimSpace(part)); err != nil {
				return regiondomain.ErrInvalidWindow
			}
		}
	}
	return nil
}

func toResponse(region *regiondomain.Region) *regiondomain.Response {
	return &regiondomain.Response{
		ID:                 region.ID,
		DisplayName:        region.DisplayName,
		GDPREligible:       region.GDPREligible,
		CostMultiplier:     region.CostMultiplier,
		RenewableSharePct:  region.RenewableSharePct,
		BaselineGCO2PerKWh: region.BaselineGCO2PerKWh,
		LatencyScore:       region.LatencyScore,
		AvailabilityScore:  region.AvailabilityScore,
		CleanHourWindows:   region.CleanHourWindows,
		Active:             region.Active,
		CreatedAt:          region.CreatedAt,
		UpdatedAt:          region.UpdatedAt,
	}
}
