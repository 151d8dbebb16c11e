package service

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	"github.com/smallbiznis/verdant/internal/clock"
)

const apiKeyPrefix = "vd_"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  apikeydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}

	scopes := normalizeScopes(req.Scopes)
	now := s.clock.Now()
	plain := apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	key := &apikeydomain.APIKey{
		ID:        s.genID.Generate(),
		Name:      name,
		Scopes:    scopes,
		KeyHash:   apikeydomain.HashAPIKey(plain),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.log.Info("api key created",
		zap.String("key_id", key.ID.String()),
		zap.String("name", key.Name),
	)

	return &apikeydomain.SecretResponse{
		ID:     key.ID.String(),
		Name:   key.Name,
		Scopes: key.Scopes,
		APIKey: plain,
	}, nil
}

func (s *Service) Revoke(ctx context.Context, id snowflake.ID) error {
	key, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}
	if key.Revoked {
		return nil
	}

	key.Revoked = true
	key.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}

	s.log.Info("api key revoked", zap.String("key_id", key.ID.String()))
	return nil
}

func (s *Service) Authenticate(ctx context.Context, rawKey string) (*apikeydomain.APIKey, error) {
	trimmed := strings.TrimSpace(rawKey)
	if trimmed == "" {
		return nil, apikeydomain.ErrNotFound
	}

	hash := apikeydomain.HashAPIKey(trimmed)
	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return nil, err
	}
	if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apikeydomain.ErrNotFound
	}
	if key.Revoked {
		return nil, apikeydomain.ErrRevoked
	}

	s.touchLastUsed(key.ID)
	return key, nil
}

func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx, s.db)
}

// touchLastUsed records key usage without holding up the request.
func (s *Service) touchLastUsed(id snowflake.ID) {
	now := s.clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, s.db, id, now); err != nil {
			s.log.Warn("api key last_used update failed",
				zap.String("key_id", id.String()),
				zap.Error(err),
			)
		}
	}()
}

func normalizeScopes(raw []string) []string {
	scopes := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, scope := range raw {
		trimmed := strings.TrimSpace(scope)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		scopes = append(scopes, trimmed)
	}
	if len(scopes) == 0 {
		scopes = append(scopes, apikeydomain.ScopeWorkloadsWrite)
	}
	return scopes
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		ID:         key.ID.String(),
		Name:       key.Name,
		Scopes:     key.Scopes,
		Revoked:    key.Revoked,
		LastUsedAt: key.LastUsedAt,
		CreatedAt:  key.CreatedAt,
	}
}
