// Package otlp ingests OTLP/HTTP protobuf telemetry, normalizes it into
// queryable rows and correlates each record with platform sessions,
// projects and users via well-known attributes.
package otlp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

// Correlation attribute keys. Agents and instrumented services attach these
// so telemetry can be joined back to platform entities.
const (
	attrSessionID = "session_id"
	attrProjectID = "project_id"
	attrUserID    = "user_id"

	attrServiceName = "service.name"

	unknownService = "unknown"
)

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "platform_otlp_records_total",
	Help: "Normalized OTLP records ingested by signal.",
}, []string{"signal"})

// correlation holds the resolved platform identifiers for one record.
type correlation struct {
	SessionID *uuid.UUID
	ProjectID *uuid.UUID
	UserID    *uuid.UUID
}

// Ingestor decodes OTLP export requests into telemetry rows.
type Ingestor struct {
	telemetry repositories.TelemetryRepository
	sessions  repositories.AgentSessionRepository
	logger    *zap.Logger
}

func NewIngestor(telemetry repositories.TelemetryRepository, sessions repositories.AgentSessionRepository, logger *zap.Logger) *Ingestor {
	return &Ingestor{telemetry: telemetry, sessions: sessions, logger: logger}
}

// IngestTraces normalizes and stores an ExportTraceServiceRequest, returning
// the number of span rows written.
func (i *Ingestor) IngestTraces(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (int, error) {
	var rows []db.TelemetrySpan
	for _, rs := range req.GetResourceSpans() {
		service, resCorr := i.resourceContext(ctx, rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				corr := i.recordContext(ctx, span.GetAttributes(), resCorr)
				rows = append(rows, db.TelemetrySpan{
					Service:   service,
					SessionID: corr.SessionID,
					ProjectID: corr.ProjectID,
					UserID:    corr.UserID,
					TraceID:   hex.EncodeToString(span.GetTraceId()),
					SpanID:    hex.EncodeToString(span.GetSpanId()),
					ParentID:  hex.EncodeToString(span.GetParentSpanId()),
					Name:      span.GetName(),
					Kind:      kindName(span.GetKind()),
					Status:    statusName(span.GetStatus()),
					StartedAt: fromUnixNano(span.GetStartTimeUnixNano()),
					EndedAt:   fromUnixNano(span.GetEndTimeUnixNano()),
					AttrsJSON: attrsToJSON(span.GetAttributes()),
				})
			}
		}
	}
	if err := i.telemetry.InsertSpans(ctx, rows); err != nil {
		return 0, fmt.Errorf("otlp: store spans: %w", err)
	}
	recordsTotal.WithLabelValues("traces").Add(float64(len(rows)))
	return len(rows), nil
}

// IngestLogs normalizes and stores an ExportLogsServiceRequest, returning
// the number of log rows written.
func (i *Ingestor) IngestLogs(ctx context.Context, req *collectorlogspb.ExportLogsServiceRequest) (int, error) {
	var rows []db.TelemetryLog
	for _, rl := range req.GetResourceLogs() {
		service, resCorr := i.resourceContext(ctx, rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				corr := i.recordContext(ctx, rec.GetAttributes(), resCorr)
				at := rec.GetTimeUnixNano()
				if at == 0 {
					at = rec.GetObservedTimeUnixNano()
				}
				rows = append(rows, db.TelemetryLog{
					Service:   service,
					SessionID: corr.SessionID,
					ProjectID: corr.ProjectID,
					UserID:    corr.UserID,
					TraceID:   hex.EncodeToString(rec.GetTraceId()),
					SpanID:    hex.EncodeToString(rec.GetSpanId()),
					Severity:  severityName(int32(rec.GetSeverityNumber())),
					Body:      bodyString(rec.GetBody()),
					At:        fromUnixNano(at),
					AttrsJSON: attrsToJSON(rec.GetAttributes()),
				})
			}
		}
	}
	if err := i.telemetry.InsertLogs(ctx, rows); err != nil {
		return 0, fmt.Errorf("otlp: store logs: %w", err)
	}
	recordsTotal.WithLabelValues("logs").Add(float64(len(rows)))
	return len(rows), nil
}

// IngestMetrics normalizes and stores an ExportMetricsServiceRequest,
// returning the number of data point rows written. Gauges and sums map to
// one row per point; histograms contribute their count and sum as derived
// series.
func (i *Ingestor) IngestMetrics(ctx context.Context, req *collectormetricspb.ExportMetricsServiceRequest) (int, error) {
	var rows []db.TelemetryMetric
	for _, rm := range req.GetResourceMetrics() {
		service, resCorr := i.resourceContext(ctx, rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			for _, metric := range sm.GetMetrics() {
				rows = append(rows, i.metricRows(ctx, service, resCorr, metric)...)
			}
		}
	}
	if err := i.telemetry.InsertMetrics(ctx, rows); err != nil {
		return 0, fmt.Errorf("otlp: store metrics: %w", err)
	}
	recordsTotal.WithLabelValues("metrics").Add(float64(len(rows)))
	return len(rows), nil
}

func (i *Ingestor) metricRows(ctx context.Context, service string, resCorr correlation, metric *metricspb.Metric) []db.TelemetryMetric {
	var rows []db.TelemetryMetric

	numberRow := func(name string, dp *metricspb.NumberDataPoint) db.TelemetryMetric {
		corr := i.recordContext(ctx, dp.GetAttributes(), resCorr)
		value := dp.GetAsDouble()
		if v, ok := dp.GetValue().(*metricspb.NumberDataPoint_AsInt); ok {
			value = float64(v.AsInt)
		}
		return db.TelemetryMetric{
			Service:   service,
			SessionID: corr.SessionID,
			ProjectID: corr.ProjectID,
			UserID:    corr.UserID,
			Name:      name,
			Value:     value,
			At:        fromUnixNano(dp.GetTimeUnixNano()),
			AttrsJSON: attrsToJSON(dp.GetAttributes()),
		}
	}

	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.GetDataPoints() {
			rows = append(rows, numberRow(metric.GetName(), dp))
		}
	case *metricspb.Metric_Sum:
		for _, dp := range data.Sum.GetDataPoints() {
			rows = append(rows, numberRow(metric.GetName(), dp))
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.GetDataPoints() {
			corr := i.recordContext(ctx, dp.GetAttributes(), resCorr)
			base := db.TelemetryMetric{
				Service:   service,
				SessionID: corr.SessionID,
				ProjectID: corr.ProjectID,
				UserID:    corr.UserID,
				At:        fromUnixNano(dp.GetTimeUnixNano()),
				AttrsJSON: attrsToJSON(dp.GetAttributes()),
			}
			count := base
			count.Name = metric.GetName() + "_count"
			count.Value = float64(dp.GetCount())
			rows = append(rows, count)
			if dp.Sum != nil {
				sum := base
				sum.Name = metric.GetName() + "_sum"
				sum.Value = dp.GetSum()
				rows = append(rows, sum)
			}
		}
	default:
		i.logger.Debug("otlp metric type not normalized, skipping",
			zap.String("metric", metric.GetName()))
	}
	return rows
}

// resourceContext extracts the service name and resource-level correlation.
func (i *Ingestor) resourceContext(ctx context.Context, attrs []*commonpb.KeyValue) (string, correlation) {
	service := attrString(attrs, attrServiceName)
	if service == "" {
		service = unknownService
	}
	return service, i.resolve(ctx, parseCorrelation(attrs))
}

// recordContext resolves record-level correlation, falling back to the
// resource-level values for fields the record does not set.
func (i *Ingestor) recordContext(ctx context.Context, attrs []*commonpb.KeyValue, res correlation) correlation {
	corr := parseCorrelation(attrs)
	if corr.SessionID == nil {
		corr.SessionID = res.SessionID
	}
	if corr.ProjectID == nil {
		corr.ProjectID = res.ProjectID
	}
	if corr.UserID == nil {
		corr.UserID = res.UserID
	}
	return i.resolve(ctx, corr)
}

// parseCorrelation reads the well-known UUID attributes. Malformed values
// are treated as absent.
func parseCorrelation(attrs []*commonpb.KeyValue) correlation {
	var corr correlation
	if id, err := uuid.Parse(attrString(attrs, attrSessionID)); err == nil {
		corr.SessionID = &id
	}
	if id, err := uuid.Parse(attrString(attrs, attrProjectID)); err == nil {
		corr.ProjectID = &id
	}
	if id, err := uuid.Parse(attrString(attrs, attrUserID)); err == nil {
		corr.UserID = &id
	}
	return corr
}

// resolve fills project and user from the agent session when a record only
// carries session_id. Explicitly provided identifiers are never overridden,
// and an unknown session leaves the record as sent.
func (i *Ingestor) resolve(ctx context.Context, corr correlation) correlation {
	if corr.SessionID == nil || (corr.ProjectID != nil && corr.UserID != nil) {
		return corr
	}
	session, err := i.sessions.GetByID(ctx, *corr.SessionID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			i.logger.Warn("otlp session lookup failed",
				zap.String("session_id", corr.SessionID.String()),
				zap.Error(err))
		}
		return corr
	}
	if corr.ProjectID == nil {
		projectID := session.ProjectID
		corr.ProjectID = &projectID
	}
	if corr.UserID == nil {
		userID := session.UserID
		corr.UserID = &userID
	}
	return corr
}

// bodyString renders a log body. Strings pass through; structured bodies
// are JSON encoded via the attribute conversion.
func bodyString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	if s, ok := v.Value.(*commonpb.AnyValue_StringValue); ok {
		return s.StringValue
	}
	return anyValueJSON(v)
}
