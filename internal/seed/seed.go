package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/gorm"

	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
)

const defaultTenantName = "default"

// starterRegions is a small catalog that makes a fresh deployment usable
// without any executor fleet registration.
var starterRegions = []regiondomain.Region{
	{
		ID:                 "eu-north",
		DisplayName:        "EU North (Stockholm)",
		GDPREligible:       true,
		CostMultiplier:     1.1,
		RenewableSharePct:  88,
		BaselineGCO2PerKWh: 45,
		LatencyScore:       0.8,
		AvailabilityScore:  0.95,
		CleanHourWindows:   pq.StringArray{"00:00-06:00", "22:00-24:00"},
		Active:             true,
	},
	{
		ID:                 "eu-central",
		DisplayName:        "EU Central (Frankfurt)",
		GDPREligible:       true,
		CostMultiplier:     1.0,
		RenewableSharePct:  52,
		BaselineGCO2PerKWh: 320,
		LatencyScore:       0.9,
		AvailabilityScore:  0.97,
		Active:             true,
	},
	{
		ID:                 "us-east",
		DisplayName:        "US East (Virginia)",
		CostMultiplier:     0.9,
		RenewableSharePct:  38,
		BaselineGCO2PerKWh: 390,
		LatencyScore:       0.85,
		AvailabilityScore:  0.98,
		Active:             true,
	},
	{
		ID:                 "us-west",
		DisplayName:        "US West (Oregon)",
		CostMultiplier:     0.95,
		RenewableSharePct:  72,
		BaselineGCO2PerKWh: 120,
		LatencyScore:       0.75,
		AvailabilityScore:  0.96,
		CleanHourWindows:   pq.StringArray{"09:00-16:00"},
		Active:             true,
	},
}

// EnsureDefaults seeds a GLOBAL tenant and the starter region catalog so a
// fresh deployment can accept workloads immediately. Existing rows win.
func EnsureDefaults(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureDefaultTenant(ctx, tx, node); err != nil {
			return err
		}
		return ensureStarterRegions(ctx, tx)
	})
}

func ensureDefaultTenant(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	var count int64
	if err := tx.WithContext(ctx).
		Table("tenants").
		Where("name = ?", defaultTenantName).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	tenant := tenantdomain.Tenant{
		ID:              node.Generate(),
		Name:            defaultTenantName,
		ResidencyClass:  tenantdomain.ResidencyGlobal,
		EnforcementMode: tenantdomain.EnforcementAdvisory,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return tx.WithContext(ctx).Create(&tenant).Error
}

func ensureStarterRegions(ctx context.Context, tx *gorm.DB) error {
	now := time.Now().UTC()
	for _, region := range starterRegions {
		var count int64
		if err := tx.WithContext(ctx).
			Table("regions").
			Where("id = ?", region.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		region.CreatedAt = now
		region.UpdatedAt = now
		if err := tx.WithContext(ctx).Create(&region).Error; err != nil {
			return err
		}
	}
	return nil
}
