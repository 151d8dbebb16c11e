package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	ScopeWorkloadsWrite = "workloads:write"
	ScopeRegionsWrite   = "regions:write"
	ScopeAdmin          = "admin"
)

type Service interface {
	List(ctx context.Context) ([]Response, error)

	// Create mints a key and returns the raw secret exactly once.
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)

	Revoke(ctx context.Context, id snowflake.ID) error

	// Authenticate resolves a raw bearer key to its stored record.
	// LastUsedAt is updated out of band; a failed touch never fails the
	// request.
	Authenticate(ctx context.Context, rawKey string) (*APIKey, error)

	// Count reports how many keys exist, revoked included. Zero means the
	// deployment is still in bootstrap.
	Count(ctx context.Context) (int64, error)
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SecretResponse carries the raw key. It is returned only from Create.
type SecretResponse struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
	APIKey string   `json:"api_key"`
}

var (
	ErrInvalidName = errors.New("invalid_name")
	ErrNotFound    = errors.New("api_key_not_found")
	ErrRevoked     = errors.New("api_key_revoked")
)

// Repository is the persistence port for API keys.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*APIKey, error)
	FindByHash(ctx context.Context, db *gorm.DB, hash string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB) ([]APIKey, error)
	Count(ctx context.Context, db *gorm.DB) (int64, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
