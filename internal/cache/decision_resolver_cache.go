package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
)

const (
	defaultTenantTTL  = 45 * time.Second
	defaultCatalogTTL = 45 * time.Second

	activeRegionsKey = "active"
)

// DecisionResolverCache stores hot-path lookups for evaluation passes.
// Entries expire within the residency convergence window, so a policy
// change is honored everywhere without explicit cross-instance
// invalidation.
type DecisionResolverCache interface {
	GetTenant(tenantID snowflake.ID) (tenantdomain.Tenant, bool)
	SetTenant(tenant tenantdomain.Tenant)
	InvalidateTenant(tenantID snowflake.ID)

	GetActiveRegions() ([]regiondomain.Region, bool)
	SetActiveRegions(regions []regiondomain.Region)
	InvalidateRegions()
}

type decisionResolverCache struct {
	tenants Cache[snowflake.ID, tenantdomain.Tenant]
	regions Cache[string, []regiondomain.Region]

	tenantTTL  time.Duration
	catalogTTL time.Duration
}

// NewDecisionResolverCache returns an in-memory cache tuned for decision
// reads.
func NewDecisionResolverCache() DecisionResolverCache {
	return &decisionResolverCache{
		tenants:    NewTTLCache[snowflake.ID, tenantdomain.Tenant](),
		regions:    NewTTLCache[string, []regiondomain.Region](),
		tenantTTL:  defaultTenantTTL,
		catalogTTL: defaultCatalogTTL,
	}
}

func (c *decisionResolverCache) GetTenant(tenantID snowflake.ID) (tenantdomain.Tenant, bool) {
	return c.tenants.Get(tenantID)
}

func (c *decisionResolverCache) SetTenant(tenant tenantdomain.Tenant) {
	if tenant.ID == 0 {
		return
	}
	c.tenants.Set(tenant.ID, tenant, c.tenantTTL)
}

func (c *decisionResolverCache) InvalidateTenant(tenantID snowflake.ID) {
	c.tenants.Delete(tenantID)
}

func (c *decisionResolverCache) GetActiveRegions() ([]regiondomain.Region, bool) {
	return c.regions.Get(activeRegionsKey)
}

func (c *decisionResolverCache) SetActiveRegions(regions []regiondomain.Region) {
	if len(regions) == 0 {
		return
	}
	c.regions.Set(activeRegionsKey, regions, c.catalogTTL)
}

func (c *decisionResolverCache) InvalidateRegions() {
	c.regions.Delete(activeRegionsKey)
}
