package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

// RecordRequest describes one alert event to persist.
type RecordRequest struct {
	Type       string
	Severity   string
	ServiceID  string
	TenantID   *snowflake.ID
	WorkloadID *snowflake.ID
	RegionID   string
	Message    string
	Payload    map[string]any
}

// ListRequest filters stored alert events.
type ListRequest struct {
	pagination.Pagination
	Type      string
	Severity  string
	ServiceID string
	Since     *time.Time
}

// ListResponse carries one page of alert events.
type ListResponse struct {
	pagination.PageInfo
	Alerts []Response `json:"alerts"`
}

// Response is the API shape of an alert event.
type Response struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"type"`
	Severity   Severity       `json:"severity"`
	ServiceID  string         `json:"service_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	WorkloadID string         `json:"workload_id,omitempty"`
	RegionID   string         `json:"region_id,omitempty"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Service records and lists alert events. Recording never fails the caller's
// business operation; failures are logged and counted instead.
type Service interface {
	Record(ctx context.Context, req RecordRequest) (*Response, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidType      = errors.New("invalid_alert_type")
	ErrInvalidSeverity  = errors.New("invalid_alert_severity")
	ErrInvalidMessage   = errors.New("invalid_alert_message")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
