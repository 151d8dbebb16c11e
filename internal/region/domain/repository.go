package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, region *Region) error
	Update(ctx context.Context, db *gorm.DB, region *Region) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Region, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Region, error)

	InsertSample(ctx context.Context, db *gorm.DB, sample *CarbonSample) error
	LatestSamples(ctx context.Context, db *gorm.DB, regionID string, n int) ([]CarbonSample, error)
	// LatestSamplePerRegion returns the newest sample for each region in one
	// query. Regions without samples are absent from the result.
	LatestSamplePerRegion(ctx context.Context, db *gorm.DB, regionIDs []string) (map[string]CarbonSample, error)
	PruneSamplesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
