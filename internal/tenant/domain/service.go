package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context) ([]Response, error)

	// Resolve is the decision-path read. It serves from a short-TTL cache
	// so residency changes converge within the cache window.
	Resolve(ctx context.Context, id snowflake.ID) (*Tenant, error)
}

type CreateRequest struct {
	Name            string `json:"name"`
	ResidencyClass  string `json:"residency_class"`
	PrimaryRegion   string `json:"primary_region"`
	EnforcementMode string `json:"enforcement_mode"`
}

type UpdateRequest struct {
	ID              string  `json:"id"`
	Name            *string `json:"name,omitempty"`
	ResidencyClass  *string `json:"residency_class,omitempty"`
	PrimaryRegion   *string `json:"primary_region,omitempty"`
	EnforcementMode *string `json:"enforcement_mode,omitempty"`
}

type Response struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ResidencyClass  string    `json:"residency_class"`
	PrimaryRegion   string    `json:"primary_region,omitempty"`
	EnforcementMode string    `json:"enforcement_mode"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

var (
	ErrInvalidID              = errors.New("invalid_tenant_id")
	ErrInvalidName            = errors.New("invalid_name")
	ErrInvalidResidencyClass  = errors.New("invalid_residency_class")
	ErrInvalidEnforcementMode = errors.New("invalid_enforcement_mode")
	ErrPrimaryRegionRequired  = errors.New("primary_region_required")
	ErrPrimaryRegionUnknown   = errors.New("primary_region_unknown")
	ErrNotFound               = errors.New("tenant_not_found")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}
