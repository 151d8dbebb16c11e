package repository

import (
	"context"
	"errors"
	"time"

	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() regiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, region *regiondomain.Region) error {
	return db.WithContext(ctx).Create(region).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, region *regiondomain.Region) error {
	return db.WithContext(ctx).Exec(
		`UPDATE regions
		 SET display_name = ?, gdpr_eligible = ?, cost_multiplier = ?, renewable_share_pct = ?,
		     baseline_gco2_per_kwh = ?, latency_score = ?, availability_score = ?,
		     clean_hour_windows = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		region.DisplayName,
		region.GDPREligible,
		region.CostMultiplier,
		region.RenewableSharePct,
		region.BaselineGCO2PerKWh,
		region.LatencyScore,
		region.AvailabilityScore,
		region.CleanHourWindows,
		region.Active,
		region.UpdatedAt,
		region.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*regiondomain.Region, error) {
	var region regiondomain.Region
	err := db.WithContext(ctx).Where("id = ?", id).First(&region).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &region, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]regiondomain.Region, error) {
	var regions []regiondomain.Region
	q := db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&regions).Error; err != nil {
		return nil, err
	}
	return regions, nil
}

func (r *repo) InsertSample(ctx context.Context, db *gorm.DB, sample *regiondomain.CarbonSample) error {
	return db.WithContext(ctx).Create(sample).Error
}

func (r *repo) LatestSamples(ctx context.Context, db *gorm.DB, regionID string, n int) ([]regiondomain.CarbonSample, error) {
	var samples []regiondomain.CarbonSample
	err := db.WithContext(ctx).Raw(
		`SELECT id, region_id, gco2_per_kwh, observed_at, created_at
		 FROM carbon_samples
		 WHERE region_id = ?
		 ORDER BY observed_at DESC
		 LIMIT ?`,
		regionID,
		n,
	).Scan(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (r *repo) LatestSamplePerRegion(ctx context.Context, db *gorm.DB, regionIDs []string) (map[string]regiondomain.CarbonSample, error) {
	out := make(map[string]regiondomain.CarbonSample, len(regionIDs))
	if len(regionIDs) == 0 {
		return out, nil
	}

	var samples []regiondomain.CarbonSample
	err := db.WithContext(ctx).Raw(
		`SELECT cs.id, cs.region_id, cs.gco2_per_kwh, cs.observed_at, cs.created_at
		 FROM carbon_samples cs
		 JOIN (
		     SELECT region_id, MAX(observed_at) AS observed_at
		     FROM carbon_samples
		     WHERE region_id IN ?
		     GROUP BY region_id
		 ) latest
		 ON latest.region_id = cs.region_id AND latest.observed_at = cs.observed_at`,
		regionIDs,
	).Scan(&samples).Error
	if err != nil {
		return nil, err
	}

	for i := range samples {
		out[samples[i].RegionID] = samples[i]
	}
	return out, nil
}

func (r *repo) PruneSamplesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM carbon_samples WHERE observed_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
