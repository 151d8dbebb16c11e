package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	decisions          metric.Int64Counter
	sampleIngest       metric.Int64Counter
	budgetReservations metric.Int64Counter
	scalerVerdicts     metric.Int64Counter
	auditEvents        metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "verdant"
	}
	meter := provider.Meter(name)

	decisions, err := meter.Int64Counter("verdant_decisions_total")
	if err != nil {
		return nil, err
	}
	sampleIngest, err := meter.Int64Counter("verdant_sample_ingest_total")
	if err != nil {
		return nil, err
	}
	budgetReservations, err := meter.Int64Counter("verdant_budget_reservations_total")
	if err != nil {
		return nil, err
	}
	scalerVerdicts, err := meter.Int64Counter("verdant_scaler_verdicts_total")
	if err != nil {
		return nil, err
	}
	auditEvents, err := meter.Int64Counter("verdant_audit_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:          decisions,
		sampleIngest:       sampleIngest,
		budgetReservations: budgetReservations,
		scalerVerdicts:     scalerVerdicts,
		auditEvents:        auditEvents,
	}, nil
}

// RecordDecision increments placement decision counts.
func (m *Metrics) RecordDecision(ctx context.Context, class, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("class", strings.TrimSpace(class)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSampleIngest increments carbon sample ingest counts.
func (m *Metrics) RecordSampleIngest(ctx context.Context, region string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("region", strings.TrimSpace(region)))
	m.sampleIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBudgetReservation increments budget reservation attempts.
func (m *Metrics) RecordBudgetReservation(ctx context.Context, action string, allowed bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("allowed", strconv.FormatBool(allowed)),
	)
	m.budgetReservations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordScalerVerdict increments scale advisor verdict counts.
func (m *Metrics) RecordScalerVerdict(ctx context.Context, region string, shouldScale bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("region", strings.TrimSpace(region)),
		attribute.String("should_scale", strconv.FormatBool(shouldScale)),
	)
	m.scalerVerdicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAuditEvent increments recorded audit event counts.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.auditEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"class":        {},
	"outcome":      {},
	"region":       {},
	"action":       {},
	"allowed":      {},
	"reason":       {},
	"mode":         {},
	"event_type":   {},
	"endpoint":     {},
	"status_code":  {},
	"should_scale": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
