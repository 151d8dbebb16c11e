package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	"github.com/smallbiznis/verdant/internal/clock"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/pkg/db"
	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

const (
	bufferSize    = 256
	flushInterval = time.Second
	writeAttempts = 3
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
	LC    fx.Lifecycle `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock

	ch   chan auditdomain.AuditRecord
	stop chan struct{}
	done chan struct{}

	// flushMu serializes drains so Flush returns only after every record
	// enqueued before it has been written.
	flushMu sync.Mutex
}

func New(p Params) auditdomain.Service {
	s := &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
		ch:    make(chan auditdomain.AuditRecord, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if p.LC != nil {
		p.LC.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go s.run()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.shutdown(ctx)
			},
		})
	}

	return s
}

func (s *Service) Enqueue(ctx context.Context, entry auditdomain.Entry) snowflake.ID {
	if strings.TrimSpace(entry.Action) == "" {
		obsmetrics.Policy().IncAuditDropped()
		s.log.Warn("discarding audit entry without action",
			zap.String("workload_id", entry.WorkloadID.String()),
		)
		return 0
	}

	record := s.toRecord(entry)
	select {
	case s.ch <- *record:
	default:
		obsmetrics.Policy().IncAuditEnqueueOverflow()
		s.write(ctx, record)
	}
	return record.ID
}

func (s *Service) Flush(ctx context.Context) (int, error) {
	return s.drain(ctx), nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	var cursor *auditdomain.ListCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.ListCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		WorkloadID: req.WorkloadID,
		TenantID:   req.TenantID,
		Action:     req.Action,
		Since:      req.Since,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.AuditRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	records := make([]auditdomain.Response, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *toResponse(item))
	}

	resp := auditdomain.ListResponse{Records: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// run flushes the buffer on an interval until shutdown, then drains what is
// left.
func (s *Service) run() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drain(context.Background())
		case <-s.stop:
			s.drain(context.Background())
			return
		}
	}
}

func (s *Service) shutdown(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) drain(ctx context.Context) int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	n := 0
	for {
		select {
		case record := <-s.ch:
			s.write(ctx, &record)
			n++
		default:
			return n
		}
	}
}

// write inserts with retry. A duplicate key means an earlier attempt landed,
// which satisfies at-least-once. Exhausted retries drop the record: logged
// and counted, never surfaced to the caller.
func (s *Service) write(ctx context.Context, record *auditdomain.AuditRecord) {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err = s.repo.Insert(ctx, s.db, record)
		if err == nil {
			return
		}
		if db.IsDuplicateKeyErr(err) {
			return
		}
		if attempt < writeAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}

	obsmetrics.Policy().IncAuditDropped()
	s.log.Error("dropping audit record after retries",
		zap.String("audit_id", record.ID.String()),
		zap.String("action", record.Action),
		zap.Error(err),
	)
}

func (s *Service) toRecord(entry auditdomain.Entry) *auditdomain.AuditRecord {
	id := entry.ID
	if id == 0 {
		id = s.genID.Generate()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now().UTC()
	}

	metadata := datatypes.JSONMap{}
	for key, value := range entry.Metadata {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	record := &auditdomain.AuditRecord{
		ID:            id,
		WorkloadID:    entry.WorkloadID,
		TenantID:      entry.TenantID,
		ServiceID:     strings.TrimSpace(entry.ServiceID),
		Action:        strings.TrimSpace(entry.Action),
		DecisionID:    entry.DecisionID,
		ChosenRegion:  entry.ChosenRegion,
		ReasonCode:    entry.ReasonCode,
		PolicyVersion: entry.PolicyVersion,
		Degraded:      entry.Degraded,
		Metadata:      metadata,
		CreatedAt:     createdAt,
	}

	if len(entry.AllowedRegions) > 0 {
		if encoded, err := json.Marshal(entry.AllowedRegions); err == nil {
			record.AllowedRegions = datatypes.JSON(encoded)
		}
	}
	if entry.ScoreInputs != nil {
		encoded, err := json.Marshal(entry.ScoreInputs)
		if err != nil {
			s.log.Warn("failed to encode score inputs",
				zap.String("audit_id", id.String()),
				zap.Error(err),
			)
		} else {
			record.ScoreInputs = datatypes.JSON(encoded)
		}
	}

	return record
}

func toResponse(record *auditdomain.AuditRecord) *auditdomain.Response {
	resp := &auditdomain.Response{
		ID:            record.ID.String(),
		WorkloadID:    record.WorkloadID.String(),
		TenantID:      record.TenantID.String(),
		ServiceID:     record.ServiceID,
		Action:        record.Action,
		ChosenRegion:  record.ChosenRegion,
		ReasonCode:    record.ReasonCode,
		PolicyVersion: record.PolicyVersion,
		Degraded:      record.Degraded,
		Metadata:      map[string]any(record.Metadata),
		CreatedAt:     record.CreatedAt,
	}
	if record.DecisionID != nil {
		resp.DecisionID = record.DecisionID.String()
	}
	if len(record.AllowedRegions) > 0 {
		var regions []string
		if err := json.Unmarshal(record.AllowedRegions, &regions); err == nil {
			resp.AllowedRegions = regions
		}
	}
	if len(record.ScoreInputs) > 0 {
		resp.ScoreInputs = json.RawMessage(record.ScoreInputs)
	}
	return resp
}
