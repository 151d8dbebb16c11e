package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	"github.com/smallbiznis/verdant/internal/audit/repository"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T) (auditdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&auditdomain.AuditRecord{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fc,
	})
	return svc, db, node
}

func countAuditRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&auditdomain.AuditRecord{}).Count(&count).Error)
	return count
}

func TestEnqueueFlushWritesRecord(t *testing.T) {
	svc, db, node := setupAuditService(t)
	ctx := context.Background()

	workloadID := node.Generate()
	id := svc.Enqueue(ctx, auditdomain.Entry{
		WorkloadID: workloadID,
		TenantID:   node.Generate(),
		ServiceID:  "batch-ml",
		Action:     auditdomain.ActionDecisionScheduled,
		ReasonCode: "scheduled_immediate",
		Metadata:   map[string]any{"chosen_region": "eu-north"},
	})
	require.NotZero(t, id)

	n, err := svc.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var record auditdomain.AuditRecord
	require.NoError(t, db.First(&record, "id = ?", int64(id)).Error)
	require.Equal(t, workloadID, record.WorkloadID)
	require.Equal(t, auditdomain.ActionDecisionScheduled, record.Action)
}

func TestReplayedAuditIDWritesOnce(t *testing.T) {
	svc, db, _ := setupAuditService(t)
	ctx := context.Background()

	entry := auditdomain.Entry{
		ID:        snowflake.ID(777001),
		ServiceID: "batch-ml",
		Action:    auditdomain.ActionDecisionScheduled,
	}

	// A retried enqueue of the same record must not duplicate the row:
	// the primary key is the dedup handle.
	require.Equal(t, entry.ID, svc.Enqueue(ctx, entry))
	require.Equal(t, entry.ID, svc.Enqueue(ctx, entry))

	_, err := svc.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), countAuditRows(t, db))
}

func TestEnqueueWithoutActionIsDiscarded(t *testing.T) {
	svc, db, _ := setupAuditService(t)
	ctx := context.Background()

	id := svc.Enqueue(ctx, auditdomain.Entry{ServiceID: "batch-ml"})
	require.Zero(t, id)

	n, err := svc.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(0), countAuditRows(t, db))
}

func TestListFiltersByWorkloadAndPaginates(t *testing.T) {
	svc, _, node := setupAuditService(t)
	ctx := context.Background()

	target := node.Generate()
	other := node.Generate()
	for i, workloadID := range []snowflake.ID{target, target, other} {
		svc.Enqueue(ctx, auditdomain.Entry{
			WorkloadID: workloadID,
			TenantID:   node.Generate(),
			ServiceID:  "batch-ml",
			Action:     auditdomain.ActionDecisionScheduled,
			ReasonCode: fmt.Sprintf("pass-%d", i),
		})
	}
	_, err := svc.Flush(ctx)
	require.NoError(t, err)

	first, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 1},
		WorkloadID: target,
	})
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	rest, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageToken: first.NextPageToken, PageSize: 10},
		WorkloadID: target,
	})
	require.NoError(t, err)
	require.Len(t, rest.Records, 1)
	require.False(t, rest.HasMore)
	require.NotEqual(t, first.Records[0].ID, rest.Records[0].ID)
}

func TestListRejectsMalformedPageToken(t *testing.T) {
	svc, _, _ := setupAuditService(t)

	_, err := svc.List(context.Background(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-cursor", PageSize: 10},
	})
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
