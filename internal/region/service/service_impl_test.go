package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/internal/region/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupRegionService(t *testing.T) (regiondomain.Service, *gorm.DB, *clock.FakeClock, cache.DecisionResolverCache) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&regiondomain.Region{}, &regiondomain.CarbonSample{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	resolver := cache.NewDecisionResolverCache()

	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Holder: config.NewStaticPolicyHolder(config.DefaultPolicyConfig()),
		Cache:  resolver,
		Clock:  fc,
	})

	return svc, db, fc, resolver
}

func registerTestRegion(t *testing.T, svc regiondomain.Service, id string, baseline float64) {
	t.Helper()
	_, err := svc.Register(context.Background(), regiondomain.RegisterRequest{
		ID:                 id,
		DisplayName:        id,
		CostMultiplier:     1.0,
		RenewableSharePct:  50,
		BaselineGCO2PerKWh: baseline,
		LatencyScore:       0.9,
		AvailabilityScore:  0.9,
	})
	require.NoError(t, err)
}

func TestRegisterNormalizesSlug(t *testing.T) {
	svc, _, _, _ := setupRegionService(t)

	resp, err := svc.Register(context.Background(), regiondomain.RegisterRequest{
		ID:                 "  EU-Central-1 ",
		DisplayName:        "EU Central",
		CostMultiplier:     1.2,
		RenewableSharePct:  60,
		BaselineGCO2PerKWh: 320,
		LatencyScore:       0.8,
		AvailabilityScore:  0.95,
		CleanHourWindows:   []string{"22:00-06:00"},
	})
	require.NoError(t, err)
	require.Equal(t, "eu-central-1", resp.ID)
	require.True(t, resp.Active)

	_, err = svc.Register(context.Background(), regiondomain.RegisterRequest{
		ID:                 "eu-central-1",
		DisplayName:        "dup",
		CostMultiplier:     1,
		BaselineGCO2PerKWh: 300,
	})
	require.ErrorIs(t, err, regiondomain.ErrAlreadyExists)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _, _ := setupRegionService(t)
	ctx := context.Background()

	base := regiondomain.RegisterRequest{
		ID:                 "us-east-1",
		DisplayName:        "US East",
		CostMultiplier:     1,
		RenewableSharePct:  40,
		BaselineGCO2PerKWh: 400,
		LatencyScore:       0.5,
		AvailabilityScore:  0.5,
	}

	tests := []struct {
		name    string
		mutate  func(*regiondomain.RegisterRequest)
		wantErr error
	}{
		{"cost below one", func(r *regiondomain.RegisterRequest) { r.CostMultiplier = 0.5 }, regiondomain.ErrInvalidCost},
		{"renewable above hundred", func(r *regiondomain.RegisterRequest) { r.RenewableSharePct = 120 }, regiondomain.ErrInvalidRenewable},
		{"baseline zero", func(r *regiondomain.RegisterRequest) { r.BaselineGCO2PerKWh = 0 }, regiondomain.ErrInvalidBaseline},
		{"latency out of range", func(r *regiondomain.RegisterRequest) { r.LatencyScore = 1.5 }, regiondomain.ErrInvalidScore},
		{"bad window", func(r *regiondomain.RegisterRequest) { r.CleanHourWindows = []string{"25:00-26:00"} }, regiondomain.ErrInvalidWindow},
		{"bad slug", func(r *regiondomain.RegisterRequest) { r.ID = "7-eu-central" }, regiondomain.ErrInvalidID},
		{"empty name", func(r *regiondomain.RegisterRequest) { r.DisplayName = "  " }, regiondomain.ErrInvalidDisplayName},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := svc.Register(ctx, req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestIngestSampleDuplicateTolerated(t *testing.T) {
	svc, db, fc, _ := setupRegionService(t)
	ctx := context.Background()
	registerTestRegion(t, svc, "eu-west-1", 300)

	observed := fc.Now().Add(-5 * time.Minute)
	first, err := svc.IngestSample(ctx, regiondomain.IngestSampleRequest{
		RegionID:   "eu-west-1",
		GCO2PerKWh: 180,
		ObservedAt: observed,
	})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.IngestSample(ctx, regiondomain.IngestSampleRequest{
		RegionID:   "eu-west-1",
		GCO2PerKWh: 999,
		ObservedAt: observed,
	})
	require.NoError(t, err)
	require.True(t, second.Duplicate)

	var count int
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM carbon_samples`).Scan(&count).Error)
	require.Equal(t, 1, count)
}

func TestIngestSampleUnknownRegion(t *testing.T) {
	svc, _, fc, _ := setupRegionService(t)

	_, err := svc.IngestSample(context.Background(), regiondomain.IngestSampleRequest{
		RegionID:   "nowhere-1",
		GCO2PerKWh: 100,
		ObservedAt: fc.Now(),
	})
	require.ErrorIs(t, err, regiondomain.ErrNotFound)
}

func TestLatestSamplesNewestFirst(t *testing.T) {
	svc, _, fc, _ := setupRegionService(t)
	ctx := context.Background()
	registerTestRegion(t, svc, "eu-north-1", 80)

	for _, age := range []time.Duration{20 * time.Minute, 10 * time.Minute, 5 * time.Minute} {
		_, err := svc.IngestSample(ctx, regiondomain.IngestSampleRequest{
			RegionID:   "eu-north-1",
			GCO2PerKWh: float64(age / time.Minute),
			ObservedAt: fc.Now().Add(-age),
		})
		require.NoError(t, err)
	}

	samples, err := svc.LatestSamples(ctx, "eu-north-1", 2)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, float64(5), samples[0].GCO2PerKWh)
	require.Equal(t, float64(10), samples[1].GCO2PerKWh)
}

func TestTakeSnapshotStalenessFallback(t *testing.T) {
	svc, db, fc, _ := setupRegionService(t)
	ctx := context.Background()

	registerTestRegion(t, svc, "fresh-1", 500)
	registerTestRegion(t, svc, "stale-1", 420)
	registerTestRegion(t, svc, "silent-1", 300)

	_, err := svc.IngestSample(ctx, regiondomain.IngestSampleRequest{
		RegionID:   "fresh-1",
		GCO2PerKWh: 90,
		ObservedAt: fc.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	_, err = svc.IngestSample(ctx, regiondomain.IngestSampleRequest{
		RegionID:   "stale-1",
		GCO2PerKWh: 150,
		ObservedAt: fc.Now().Add(-45 * time.Minute),
	})
	require.NoError(t, err)

	// A row predating baseline validation: no samples and no baseline.
	require.NoError(t, db.Exec(
		`INSERT INTO regions (id, display_name, gdpr_eligible, cost_multiplier, renewable_share_pct,
		 baseline_gco2_per_kwh, latency_score, availability_score, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"legacy-1", "Legacy", false, 1.0, 0.0, 0.0, 0.5, 0.5, true, fc.Now(), fc.Now(),
	).Error)

	regions, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 4)

	snap, err := svc.TakeSnapshot(ctx, regions)
	require.NoError(t, err)
	require.Len(t, snap.Intensities, 3)

	fresh := snap.Intensities["fresh-1"]
	require.False(t, fresh.Degraded)
	require.Equal(t, float64(90), fresh.GCO2PerKWh)

	stale := snap.Intensities["stale-1"]
	require.True(t, stale.Degraded)
	require.Equal(t, float64(420), stale.GCO2PerKWh)

	silent := snap.Intensities["silent-1"]
	require.True(t, silent.Degraded)
	require.Equal(t, float64(300), silent.GCO2PerKWh)
	require.True(t, silent.ObservedAt.IsZero())

	_, ok := snap.Intensities["legacy-1"]
	require.False(t, ok)
}

func TestTakeSnapshotNoUsableRegions(t *testing.T) {
	svc, db, fc, resolver := setupRegionService(t)
	ctx := context.Background()

	require.NoError(t, db.Exec(
		`INSERT INTO regions (id, display_name, gdpr_eligible, cost_multiplier, renewable_share_pct,
		 baseline_gco2_per_kwh, latency_score, availability_score, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"legacy-2", "Legacy", false, 1.0, 0.0, 0.0, 0.5, 0.5, true, fc.Now(), fc.Now(),
	).Error)
	resolver.InvalidateRegions()

	regions, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)

	_, err = svc.TakeSnapshot(ctx, regions)
	require.ErrorIs(t, err, regiondomain.ErrNoUsableRegions)
}

func TestActiveRegionsServedFromCache(t *testing.T) {
	svc, db, fc, resolver := setupRegionService(t)
	ctx := context.Background()
	registerTestRegion(t, svc, "cache-1", 200)

	first, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Writes that bypass the service are invisible until the catalog entry
	// expires or is invalidated.
	require.NoError(t, db.Exec(
		`INSERT INTO regions (id, display_name, gdpr_eligible, cost_multiplier, renewable_share_pct,
		 baseline_gco2_per_kwh, latency_score, availability_score, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"cache-2", "Cache 2", false, 1.0, 0.0, 100.0, 0.5, 0.5, true, fc.Now(), fc.Now(),
	).Error)

	second, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)

	resolver.InvalidateRegions()
	third, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Len(t, third, 2)
}

func TestUpdateRegionInvalidatesCatalog(t *testing.T) {
	svc, _, _, _ := setupRegionService(t)
	ctx := context.Background()
	registerTestRegion(t, svc, "flip-1", 250)

	regions, err := svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	inactive := false
	_, err = svc.Update(ctx, regiondomain.UpdateRequest{ID: "flip-1", Active: &inactive})
	require.NoError(t, err)

	regions, err = svc.ActiveRegions(ctx)
	require.NoError(t, err)
	require.Empty(t, regions)
}
