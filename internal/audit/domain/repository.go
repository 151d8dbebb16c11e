package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListCursor is the keyset position for audit pagination.
type ListCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows an audit listing.
type ListFilter struct {
	WorkloadID snowflake.ID
	TenantID   snowflake.ID
	Action     string
	Since      *time.Time
	Cursor     *ListCursor
	Limit      int
}

// Repository persists audit records. There is no update or delete.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *AuditRecord) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditRecord, error)
}
