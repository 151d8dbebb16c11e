package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	"github.com/smallbiznis/verdant/internal/alert/repository"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAlertService(t *testing.T) (alertdomain.Service, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&alertdomain.AlertEvent{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fc,
	})

	return svc, fc
}

func TestRecordAlertValidation(t *testing.T) {
	svc, _ := setupAlertService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     alertdomain.RecordRequest
		wantErr error
	}{
		{
			name:    "unknown type",
			req:     alertdomain.RecordRequest{Type: "diskFull", Severity: "warning", Message: "x"},
			wantErr: alertdomain.ErrInvalidType,
		},
		{
			name:    "unknown severity",
			req:     alertdomain.RecordRequest{Type: "budgetAlert", Severity: "fatal", Message: "x"},
			wantErr: alertdomain.ErrInvalidSeverity,
		},
		{
			name:    "empty message",
			req:     alertdomain.RecordRequest{Type: "budgetAlert", Severity: "warning", Message: "  "},
			wantErr: alertdomain.ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Record(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRecordAlertStoresPayload(t *testing.T) {
	svc, fc := setupAlertService(t)
	ctx := context.Background()

	resp, err := svc.Record(ctx, alertdomain.RecordRequest{
		Type:      "budgetAlert",
		Severity:  "critical",
		ServiceID: "analytics",
		Message:   "budget consumed past limit",
		Payload:   map[string]any{"consumed_ratio": 1.05, "": "dropped"},
	})
	require.NoError(t, err)
	require.Equal(t, alertdomain.AlertTypeBudget, resp.Type)
	require.Equal(t, alertdomain.SeverityCritical, resp.Severity)
	require.Equal(t, fc.Now().UTC(), resp.CreatedAt)
	require.Contains(t, resp.Payload, "consumed_ratio")
	require.NotContains(t, resp.Payload, "")
}

func TestListAlertsFiltersAndPaginates(t *testing.T) {
	svc, fc := setupAlertService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Record(ctx, alertdomain.RecordRequest{
			Type:      "budgetAlert",
			Severity:  "warning",
			ServiceID: "analytics",
			Message:   fmt.Sprintf("crossing %d", i),
		})
		require.NoError(t, err)
		fc.Advance(time.Minute)
	}
	_, err := svc.Record(ctx, alertdomain.RecordRequest{
		Type:     "deadlineEscalation",
		Severity: "warning",
		Message:  "deadline forced placement",
	})
	require.NoError(t, err)

	page, err := svc.List(ctx, alertdomain.ListRequest{Type: "budgetAlert"})
	require.NoError(t, err)
	require.Len(t, page.Alerts, 5)

	firstReq := alertdomain.ListRequest{Type: "budgetAlert"}
	firstReq.PageSize = 2
	first, err := svc.List(ctx, firstReq)
	require.NoError(t, err)
	require.Len(t, first.Alerts, 2)
	require.True(t, first.HasMore)
	// Newest first.
	require.Equal(t, "crossing 4", first.Alerts[0].Message)

	secondReq := alertdomain.ListRequest{Type: "budgetAlert"}
	secondReq.PageSize = 2
	secondReq.PageToken = first.NextPageToken
	second, err := svc.List(ctx, secondReq)
	require.NoError(t, err)
	require.Len(t, second.Alerts, 2)
	require.Equal(t, "crossing 2", second.Alerts[0].Message)
}

func TestListAlertsRejectsBadToken(t *testing.T) {
	svc, _ := setupAlertService(t)

	req := alertdomain.ListRequest{}
	req.PageToken = "not-base64!"
	_, err := svc.List(context.Background(), req)
	require.ErrorIs(t, err, alertdomain.ErrInvalidPageToken)
}

func TestListAlertsSinceFilter(t *testing.T) {
	svc, fc := setupAlertService(t)
	ctx := context.Background()

	_, err := svc.Record(ctx, alertdomain.RecordRequest{
		Type: "budgetAlert", Severity: "warning", Message: "old",
	})
	require.NoError(t, err)

	fc.Advance(time.Hour)
	cutoff := fc.Now().UTC()

	_, err = svc.Record(ctx, alertdomain.RecordRequest{
		Type: "budgetAlert", Severity: "warning", Message: "new",
	})
	require.NoError(t, err)

	page, err := svc.List(ctx, alertdomain.ListRequest{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	require.Equal(t, "new", page.Alerts[0].Message)
}
