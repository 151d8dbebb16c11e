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
	regionrepository "github.com/smallbiznis/verdant/internal/region/repository"
	regionservice "github.com/smallbiznis/verdant/internal/region/service"
	scalerdomain "github.com/smallbiznis/verdant/internal/scaler/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupScalerService(t *testing.T) (scalerdomain.Service, regiondomain.Service, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&regiondomain.Region{}, &regiondomain.CarbonSample{}))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticPolicyHolder(config.DefaultPolicyConfig())

	regions := regionservice.New(regionservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   regionrepository.Provide(),
		Holder: holder,
		Cache:  cache.NewDecisionResolverCache(),
		Clock:  fc,
	})

	svc := New(Params{
		Log:     zap.NewNop(),
		Regions: regions,
		Holder:  holder,
		Clock:   fc,
	})

	return svc, regions, fc
}

func registerScalerRegion(t *testing.T, regions regiondomain.Service, id string, baseline, renewable float64) {
	t.Helper()
	_, err := regions.Register(context.Background(), regiondomain.RegisterRequest{
		ID:                 id,
		DisplayName:        id,
		CostMultiplier:     1.0,
		RenewableSharePct:  renewable,
		BaselineGCO2PerKWh: baseline,
		LatencyScore:       0.9,
		AvailabilityScore:  0.9,
	})
	require.NoError(t, err)
}

func ingestAt(t *testing.T, regions regiondomain.Service, id string, gco2 float64, at time.Time) {
	t.Helper()
	_, err := regions.IngestSample(context.Background(), regiondomain.IngestSampleRequest{
		RegionID:   id,
		GCO2PerKWh: gco2,
		ObservedAt: at,
	})
	require.NoError(t, err)
}

func TestShouldScaleRequiresFullStreak(t *testing.T) {
	svc, regions, fc := setupScalerService(t)
	ctx := context.Background()

	registerScalerRegion(t, regions, "eu-north", 120, 80)
	base := fc.Now().Add(-time.Hour)

	// Two clean samples, then one over the deferrable threshold (250):
	// the dirty sample is the most recent, so the streak is broken.
	ingestAt(t, regions, "eu-north", 100, base)
	ingestAt(t, regions, "eu-north", 110, base.Add(10*time.Minute))
	ingestAt(t, regions, "eu-north", 300, base.Add(20*time.Minute))

	v, err := svc.ShouldScale(ctx, "eu-north", workloaddomain.WorkloadClassDeferrable)
	require.NoError(t, err)
	require.False(t, v.ShouldScale)
	require.Equal(t, 0, v.Streak)
	require.Equal(t, 300.0, v.Intensity)

	// A fresh clean sample pushes the dirty one out of the damping window.
	ingestAt(t, regions, "eu-north", 90, base.Add(30*time.Minute))
	ingestAt(t, regions, "eu-north", 95, base.Add(40*time.Minute))
	ingestAt(t, regions, "eu-north", 85, base.Add(50*time.Minute))

	v, err = svc.ShouldScale(ctx, "eu-north", workloaddomain.WorkloadClassDeferrable)
	require.NoError(t, err)
	require.True(t, v.ShouldScale)
	require.Equal(t, 3, v.Streak)
	require.Equal(t, 85.0, v.Intensity)
}

func TestShouldScaleIsIdempotent(t *testing.T) {
	svc, regions, fc := setupScalerService(t)
	ctx := context.Background()

	registerScalerRegion(t, regions, "eu-west", 150, 60)
	ingestAt(t, regions, "eu-west", 200, fc.Now().Add(-5*time.Minute))

	first, err := svc.ShouldScale(ctx, "eu-west", workloaddomain.WorkloadClassStandard)
	require.NoError(t, err)
	second, err := svc.ShouldScale(ctx, "eu-west", workloaddomain.WorkloadClassStandard)
	require.NoError(t, err)

	require.Equal(t, first.ShouldScale, second.ShouldScale)
	require.Equal(t, first.Streak, second.Streak)
	require.Equal(t, first.Intensity, second.Intensity)
}

func TestShouldScaleUrgentAlwaysTrue(t *testing.T) {
	svc, regions, fc := setupScalerService(t)
	ctx := context.Background()

	registerScalerRegion(t, regions, "us-east", 500, 5)
	ingestAt(t, regions, "us-east", 900, fc.Now().Add(-time.Minute))

	v, err := svc.ShouldScale(ctx, "us-east", workloaddomain.WorkloadClassUrgent)
	require.NoError(t, err)
	require.True(t, v.ShouldScale)
}

func TestShouldScaleBaselineFallback(t *testing.T) {
	svc, regions, _ := setupScalerService(t)
	ctx := context.Background()

	// No telemetry yet: the baseline answers for the region.
	registerScalerRegion(t, regions, "eu-central", 180, 70)

	v, err := svc.ShouldScale(ctx, "eu-central", workloaddomain.WorkloadClassDeferrable)
	require.NoError(t, err)
	require.True(t, v.ShouldScale)
	require.Equal(t, 180.0, v.Intensity)
	require.Equal(t, 1, v.Streak)
}

func TestShouldScaleRenewableFloor(t *testing.T) {
	svc, regions, fc := setupScalerService(t)
	ctx := context.Background()

	// Clean intensity but only 10% renewable share: deferrable (floor 30)
	// refuses, standard (no floor) accepts.
	registerScalerRegion(t, regions, "ap-south", 100, 10)
	ingestAt(t, regions, "ap-south", 90, fc.Now().Add(-time.Minute))

	v, err := svc.ShouldScale(ctx, "ap-south", workloaddomain.WorkloadClassDeferrable)
	require.NoError(t, err)
	require.False(t, v.ShouldScale)

	v, err = svc.ShouldScale(ctx, "ap-south", workloaddomain.WorkloadClassStandard)
	require.NoError(t, err)
	require.True(t, v.ShouldScale)
}

func TestShouldScaleUnknownAndInactiveRegions(t *testing.T) {
	svc, regions, _ := setupScalerService(t)
	ctx := context.Background()

	_, err := svc.ShouldScale(ctx, "nowhere", workloaddomain.WorkloadClassStandard)
	require.ErrorIs(t, err, regiondomain.ErrNotFound)

	registerScalerRegion(t, regions, "eu-south", 120, 50)
	inactive := false
	_, err = regions.Update(ctx, regiondomain.UpdateRequest{ID: "eu-south", Active: &inactive})
	require.NoError(t, err)

	_, err = svc.ShouldScale(ctx, "eu-south", workloaddomain.WorkloadClassStandard)
	require.ErrorIs(t, err, scalerdomain.ErrRegionInactive)
}
