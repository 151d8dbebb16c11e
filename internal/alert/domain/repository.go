package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListCursor is the keyset position for alert pagination.
type ListCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows an alert listing.
type ListFilter struct {
	Type      AlertType
	Severity  Severity
	ServiceID string
	Since     *time.Time
	Cursor    *ListCursor
	Limit     int
}

// Repository persists alert events.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *AlertEvent) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AlertEvent, error)
}
