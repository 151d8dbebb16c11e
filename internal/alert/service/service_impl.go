package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	"github.com/smallbiznis/verdant/internal/clock"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  alertdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  alertdomain.Repository
	clock clock.Clock
}

func New(p Params) alertdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("alert.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, req alertdomain.RecordRequest) (*alertdomain.Response, error) {
	alertType, ok := alertdomain.ParseAlertType(req.Type)
	if !ok {
		return nil, alertdomain.ErrInvalidType
	}
	severity, ok := alertdomain.ParseSeverity(req.Severity)
	if !ok {
		return nil, alertdomain.ErrInvalidSeverity
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, alertdomain.ErrInvalidMessage
	}

	payload := datatypes.JSONMap{}
	for key, value := range req.Payload {
		if key == "" {
			continue
		}
		payload[key] = value
	}

	event := alertdomain.AlertEvent{
		ID:         s.genID.Generate(),
		Type:       alertType,
		Severity:   severity,
		ServiceID:  strings.TrimSpace(req.ServiceID),
		TenantID:   req.TenantID,
		WorkloadID: req.WorkloadID,
		RegionID:   strings.TrimSpace(req.RegionID),
		Message:    message,
		Payload:    payload,
		CreatedAt:  s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, s.db, &event); err != nil {
		s.log.Error("failed to record alert event",
			zap.String("type", string(alertType)),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logEvent(&event)
	obsmetrics.Policy().IncAlertEvent(string(alertType), string(severity))

	return toResponse(&event), nil
}

func (s *Service) List(ctx context.Context, req alertdomain.ListRequest) (alertdomain.ListResponse, error) {
	var (
		alertType alertdomain.AlertType
		severity  alertdomain.Severity
	)
	if raw := strings.TrimSpace(req.Type); raw != "" {
		parsed, ok := alertdomain.ParseAlertType(raw)
		if !ok {
			return alertdomain.ListResponse{}, alertdomain.ErrInvalidType
		}
		alertType = parsed
	}
	if raw := strings.TrimSpace(req.Severity); raw != "" {
		parsed, ok := alertdomain.ParseSeverity(raw)
		if !ok {
			return alertdomain.ListResponse{}, alertdomain.ErrInvalidSeverity
		}
		severity = parsed
	}

	var cursor *alertdomain.ListCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return alertdomain.ListResponse{}, alertdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return alertdomain.ListResponse{}, alertdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return alertdomain.ListResponse{}, alertdomain.ErrInvalidPageToken
		}
		cursor = &alertdomain.ListCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, alertdomain.ListFilter{
		Type:      alertType,
		Severity:  severity,
		ServiceID: req.ServiceID,
		Since:     req.Since,
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return alertdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *alertdomain.AlertEvent) string {
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

	alerts := make([]alertdomain.Response, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		alerts = append(alerts, *toResponse(item))
	}

	resp := alertdomain.ListResponse{Alerts: alerts}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// logEvent mirrors the stored severity onto the log stream so operators see
// alerts even when nothing consumes the table.
func (s *Service) logEvent(event *alertdomain.AlertEvent) {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message),
	}
	if event.ServiceID != "" {
		fields = append(fields, zap.String("service_id", event.ServiceID))
	}
	if event.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", event.TenantID.String()))
	}
	if event.WorkloadID != nil {
		fields = append(fields, zap.String("workload_id", event.WorkloadID.String()))
	}
	if event.RegionID != "" {
		fields = append(fields, zap.String("region", event.RegionID))
	}

	switch event.Severity {
	case alertdomain.SeverityCritical:
		s.log.Error("alert event", fields...)
	case alertdomain.SeverityWarning:
		s.log.Warn("alert event", fields...)
	default:
		s.log.Info("alert event", fields...)
	}
}

func toResponse(event *alertdomain.AlertEvent) *alertdomain.Response {
	resp := &alertdomain.Response{
		ID:        event.ID.String(),
		Type:      event.Type,
		Severity:  event.Severity,
		ServiceID: event.ServiceID,
		RegionID:  event.RegionID,
		Message:   event.Message,
		Payload:   map[string]any(event.Payload),
		CreatedAt: event.CreatedAt,
	}
	if event.TenantID != nil {
		resp.TenantID = event.TenantID.String()
	}
	if event.WorkloadID != nil {
		resp.WorkloadID = event.WorkloadID.String()
	}
	return resp
}
