package cache

import (
	"testing"
	"time"

	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	c := NewTTLCache[string, int]()

	c.Set("a", 1, 20*time.Millisecond)
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, got)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[string, string]()

	c.Set("k", "v", time.Minute)
	c.Delete("k")

	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()

	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestDecisionResolverCacheTenantRoundTrip(t *testing.T) {
	c := NewDecisionResolverCache()

	tenant := tenantdomain.Tenant{
		ID:              42,
		Name:            "acme",
		ResidencyClass:  tenantdomain.ResidencyGlobal,
		EnforcementMode: tenantdomain.EnforcementStrict,
	}
	c.SetTenant(tenant)

	got, ok := c.GetTenant(42)
	require.True(t, ok)
	require.Equal(t, tenant, got)

	c.InvalidateTenant(42)
	_, ok = c.GetTenant(42)
	require.False(t, ok)
}

func TestDecisionResolverCacheSkipsZeroTenantID(t *testing.T) {
	c := NewDecisionResolverCache()

	c.SetTenant(tenantdomain.Tenant{Name: "no-id"})
	_, ok := c.GetTenant(0)
	require.False(t, ok)
}
