package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

// Entry is one audit fact to enqueue. ScoreInputs may be any
// JSON-serializable value; it is stored verbatim for reproducibility.
type Entry struct {
	ID             snowflake.ID
	WorkloadID     snowflake.ID
	TenantID       snowflake.ID
	ServiceID      string
	Action         string
	DecisionID     *snowflake.ID
	ChosenRegion   string
	ReasonCode     string
	PolicyVersion  int64
	Degraded       bool
	AllowedRegions []string
	ScoreInputs    any
	Metadata       map[string]any
	CreatedAt      time.Time
}

// ListRequest filters the audit trail.
type ListRequest struct {
	pagination.Pagination
	WorkloadID snowflake.ID
	TenantID   snowflake.ID
	Action     string
	Since      *time.Time
}

// ListResponse carries one page of audit records.
type ListResponse struct {
	pagination.PageInfo
	Records []Response `json:"records"`
}

// Response is the API shape of an audit record.
type Response struct {
	ID             string          `json:"id"`
	WorkloadID     string          `json:"workload_id"`
	TenantID       string          `json:"tenant_id"`
	ServiceID      string          `json:"service_id"`
	Action         string          `json:"action"`
	DecisionID     string          `json:"decision_id,omitempty"`
	ChosenRegion   string          `json:"chosen_region,omitempty"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	PolicyVersion  int64           `json:"policy_version"`
	Degraded       bool            `json:"degraded"`
	AllowedRegions []string        `json:"allowed_regions,omitempty"`
	ScoreInputs    json.RawMessage `json:"score_inputs,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Service is the append-only audit trail. Enqueue is asynchronous and never
// fails the caller: records are buffered, written at least once with retry,
// and deduplicated by id. A write that exhausts its retries is logged and
// counted as a reportable fault, never surfaced to the decision path.
type Service interface {
	// Enqueue buffers one record for the background writer and returns its
	// id. When the buffer is full the record is written synchronously.
	Enqueue(ctx context.Context, entry Entry) snowflake.ID

	// Flush writes everything currently buffered and returns the count.
	Flush(ctx context.Context) (int, error)

	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
