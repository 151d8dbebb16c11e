package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/clock"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      tenantdomain.Repository
	RegionSvc regiondomain.Service
	Cache     cache.DecisionResolverCache
	Clock     clock.Clock
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      tenantdomain.Repository
	regionSvc regiondomain.Service
	cache     cache.DecisionResolverCache
	clock     clock.Clock
}

func New(p Params) tenantdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("tenant.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		regionSvc: p.RegionSvc,
		cache:     p.Cache,
		clock:     p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req tenantdomain.CreateRequest) (*tenantdomain.Response, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, tenantdomain.ErrInvalidName
	}

	class, ok := tenantdomain.ParseResidencyClass(req.ResidencyClass)
	if !ok {
		return nil, tenantdomain.ErrInvalidResidencyClass
	}

	mode := tenantdomain.EnforcementStrict
	if strings.TrimSpace(req.EnforcementMode) != "" {
		mode, ok = tenantdomain.ParseEnforcementMode(req.EnforcementMode)
		if !ok {
			return nil, tenantdomain.ErrInvalidEnforcementMode
		}
	}

	primary, err := s.resolvePrimaryRegion(ctx, class, req.PrimaryRegion)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tenant := &tenantdomain.Tenant{
		ID:              s.genID.Generate(),
		Name:            name,
		ResidencyClass:  class,
		PrimaryRegion:   primary,
		EnforcementMode: mode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Insert(ctx, s.db, tenant); err != nil {
		return nil, err
	}

	return toResponse(tenant), nil
}

func (s *Service) Update(ctx context.Context, req tenantdomain.UpdateRequest) (*tenantdomain.Response, error) {
	id, err := tenantdomain.ParseID(strings.TrimSpace(req.ID))
	if err != nil {
		return nil, tenantdomain.ErrInvalidID
	}

	tenant, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, tenantdomain.ErrInvalidName
		}
		tenant.Name = name
	}

	if req.ResidencyClass != nil {
		class, ok := tenantdomain.ParseResidencyClass(*req.ResidencyClass)
		if !ok {
			return nil, tenantdomain.ErrInvalidResidencyClass
		}
		tenant.ResidencyClass = class
	}

	if req.EnforcementMode != nil {
		mode, ok := tenantdomain.ParseEnforcementMode(*req.EnforcementMode)
		if !ok {
			return nil, tenantdomain.ErrInvalidEnforcementMode
		}
		tenant.EnforcementMode = mode
	}

	if req.PrimaryRegion != nil {
		tenant.PrimaryRegion = regiondomain.NormalizeID(*req.PrimaryRegion)
	}

	// Re-check the pairing because class and region may change independently.
	primary, err := s.resolvePrimaryRegion(ctx, tenant.ResidencyClass, tenant.PrimaryRegion)
	if err != nil {
		return nil, err
	}
	tenant.PrimaryRegion = primary

	tenant.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, tenant); err != nil {
		return nil, err
	}

	s.cache.InvalidateTenant(tenant.ID)
	return toResponse(tenant), nil
}

func (s *Service) Get(ctx context.Context, id string) (*tenantdomain.Response, error) {
	tenantID, err := tenantdomain.ParseID(strings.TrimSpace(id))
	if err != nil {
		return nil, tenantdomain.ErrInvalidID
	}

	tenant, err := s.repo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrNotFound
	}
	return toResponse(tenant), nil
}

func (s *Service) List(ctx context.Context) ([]tenantdomain.Response, error) {
	tenants, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]tenantdomain.Response, 0, len(tenants))
	for i := range tenants {
		resp = append(resp, *toResponse(&tenants[i]))
	}
	return resp, nil
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	if cached, ok := s.cache.GetTenant(id); ok {
		return &cached, nil
	}

	tenant, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrNotFound
	}

	s.cache.SetTenant(*tenant)
	return tenant, nil
}

// resolvePrimaryRegion validates the class/region pairing. SINGLE_REGION
// requires a known region; other classes may carry one as an informational
// hint as long as it exists.
func (s *Service) resolvePrimaryRegion(ctx context.Context, class tenantdomain.ResidencyClass, raw string) (string, error) {
	primary := regiondomain.NormalizeID(raw)
	if primary == "" {
		if class == tenantdomain.ResidencySingleRegion {
			return "", tenantdomain.ErrPrimaryRegionRequired
		}
		return "", nil
	}

	if _, err := s.regionSvc.Get(ctx, primary); err != nil {
		if errors.Is(err, regiondomain.ErrNotFound) || errors.Is(err, regiondomain.ErrInvalidID) {
			return "", tenantdomain.ErrPrimaryRegionUnknown
		}
		return "", err
	}
	return primary, nil
}

func toResponse(tenant *tenantdomain.Tenant) *tenantdomain.Response {
	return &tenantdomain.Response{
		ID:              tenant.ID.String(),
		Name:            tenant.Name,
		ResidencyClass:  string(tenant.ResidencyClass),
		PrimaryRegion:   tenant.PrimaryRegion,
		EnforcementMode: string(tenant.EnforcementMode),
		CreatedAt:       tenant.CreatedAt,
		UpdatedAt:       tenant.UpdatedAt,
	}
}
