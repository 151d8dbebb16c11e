// Package residency computes the region set a tenant may run in. It is
// deliberately free of I/O so every branch is table-testable.
package residency

import (
	"errors"
	"strings"

	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
)

var (
	// ErrResidencyConfigEmpty means the class left no usable region. The
	// engine fails closed instead of picking an arbitrary region.
	ErrResidencyConfigEmpty   = errors.New("residency: allowed region set is empty")
	ErrUnknownResidencyClass  = errors.New("residency: unknown residency class")
	ErrUnknownEnforcementMode = errors.New("residency: unknown enforcement mode")
)

// usRegionPrefix identifies US regions by catalog convention.
const usRegionPrefix = "us-"

// Evaluation is the outcome of one residency check.
type Evaluation struct {
	// AllowedRegions is the class-derived set, in catalog order.
	AllowedRegions []regiondomain.Region
	// EffectiveAllowed is the set placement must draw from. It equals
	// AllowedRegions unless enforcement is DISABLED, in which case every
	// active region qualifies.
	EffectiveAllowed []regiondomain.Region
	// Overridden is true when the unconstrained carbon hint fell outside
	// the effective set while enforcement was active.
	Overridden bool
	// Violation is true only for ADVISORY overrides; STRICT simply never
	// selects a disallowed region.
	Violation bool
	// RequestedAllowed reports whether the caller-requested region (when
	// present) sits inside the effective set.
	RequestedAllowed bool
}

// Evaluate computes the allowed set for a tenant against the active region
// catalog. carbonHintRegion is the scorer's unconstrained pick and may be
// empty on the first pass.
func Evaluate(tenant tenantdomain.Tenant, regions []regiondomain.Region, carbonHintRegion, requestedRegion string) (Evaluation, error) {
	switch tenant.EnforcementMode {
	case tenantdomain.EnforcementDisabled:
		if len(regions) == 0 {
			return Evaluation{}, ErrResidencyConfigEmpty
		}
		return Evaluation{
			AllowedRegions:   regions,
			EffectiveAllowed: regions,
			RequestedAllowed: containsRegion(regions, requestedRegion),
		}, nil
	case tenantdomain.EnforcementStrict, tenantdomain.EnforcementAdvisory:
	default:
		return Evaluation{}, ErrUnknownEnforcementMode
	}

	allowed, err := allowedForClass(tenant, regions)
	if err != nil {
		return Evaluation{}, err
	}
	if len(allowed) == 0 {
		return Evaluation{}, ErrResidencyConfigEmpty
	}

	overridden := carbonHintRegion != "" && !containsRegion(allowed, carbonHintRegion)

	return Evaluation{
		AllowedRegions:   allowed,
		EffectiveAllowed: allowed,
		Overridden:       overridden,
		Violation:        overridden && tenant.EnforcementMode == tenantdomain.EnforcementAdvisory,
		RequestedAllowed: containsRegion(allowed, requestedRegion),
	}, nil
}

func allowedForClass(tenant tenantdomain.Tenant, regions []regiondomain.Region) ([]regiondomain.Region, error) {
	switch tenant.ResidencyClass {
	case tenantdomain.ResidencyGlobal:
		return regions, nil

	case tenantdomain.ResidencyEUStrict:
		var allowed []regiondomain.Region
		for i := range regions {
			if regions[i].GDPREligible {
				allowed = append(allowed, regions[i])
			}
		}
		return allowed, nil

	case tenantdomain.ResidencyUSOnly:
		var allowed []regiondomain.Region
		for i := range regions {
			if strings.HasPrefix(regions[i].ID, usRegionPrefix) {
				allowed = append(allowed, regions[i])
			}
		}
		return allowed, nil

	case tenantdomain.ResidencySingleRegion:
		primary := regiondomain.NormalizeID(tenant.PrimaryRegion)
		for i := range regions {
			if regions[i].ID == primary {
				return []regiondomain.Region{regions[i]}, nil
			}
		}
		// Missing or inactive primary leaves the set empty; the caller
		// fails closed on that.
		return nil, nil

	default:
		return nil, ErrUnknownResidencyClass
	}
}

func containsRegion(regions []regiondomain.Region, id string) bool {
	if id == "" {
		return false
	}
	for i := range regions {
		if regions[i].ID == id {
			return true
		}
	}
	return false
}
