package otlp

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

type testEnv struct {
	ingestor *Ingestor
	database *gorm.DB
	sessions repositories.AgentSessionRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)
	sessions := repositories.NewAgentSessionRepository(database)
	telemetry := repositories.NewTelemetryRepository(database)
	return &testEnv{
		ingestor: NewIngestor(telemetry, sessions, zap.NewNop()),
		database: database,
		sessions: sessions,
	}
}

func TestSeverityName(t *testing.T) {
	cases := map[int32]string{
		0: "info", 1: "trace", 4: "trace", 5: "debug", 8: "debug",
		9: "info", 12: "info", 13: "warn", 16: "warn", 17: "error",
		20: "error", 21: "fatal", 24: "fatal", 25: "info", -1: "info",
	}
	for num, want := range cases {
		assert.Equal(t, want, severityName(num), num)
	}
}

func TestKindAndStatusNames(t *testing.T) {
	assert.Equal(t, "internal", kindName(tracepb.Span_SPAN_KIND_UNSPECIFIED))
	assert.Equal(t, "internal", kindName(tracepb.Span_SPAN_KIND_INTERNAL))
	assert.Equal(t, "server", kindName(tracepb.Span_SPAN_KIND_SERVER))
	assert.Equal(t, "client", kindName(tracepb.Span_SPAN_KIND_CLIENT))
	assert.Equal(t, "producer", kindName(tracepb.Span_SPAN_KIND_PRODUCER))
	assert.Equal(t, "consumer", kindName(tracepb.Span_SPAN_KIND_CONSUMER))

	assert.Equal(t, "", statusName(nil))
	assert.Equal(t, "", statusName(&tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}))
	assert.Equal(t, "ok", statusName(&tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}))
	assert.Equal(t, "error", statusName(&tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}))
}

func TestFromUnixNano(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	assert.Equal(t, epoch, fromUnixNano(0))
	assert.Equal(t, epoch, fromUnixNano(math.MaxUint64))

	at := time.Date(2026, 8, 24, 12, 0, 0, 500, time.UTC)
	assert.Equal(t, at, fromUnixNano(uint64(at.UnixNano())))
}

func TestAnyValueToGoRecursion(t *testing.T) {
	v := &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{
		KvlistValue: &commonpb.KeyValueList{Values: []*commonpb.KeyValue{
			strAttr("name", "deep"),
			{Key: "count", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 7}}},
			{Key: "tags", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
				ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
					{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}},
					{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 1.5}},
				}},
			}}},
		}},
	}}
	assert.Equal(t, map[string]any{
		"name":  "deep",
		"count": int64(7),
		"tags":  []any{true, 1.5},
	}, anyValueToGo(v))
	assert.Nil(t, anyValueToGo(nil))
	assert.Nil(t, anyValueToGo(&commonpb.AnyValue{}))
}

func TestIngestTraces(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	projectID := uuid.New()

	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strAttr(attrServiceName, "agent-runner"),
				strAttr(attrProjectID, projectID.String()),
			}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
					SpanId:            []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11},
					Name:              "tool.invoke",
					Kind:              tracepb.Span_SPAN_KIND_CLIENT,
					Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
					StartTimeUnixNano: uint64(start.UnixNano()),
					EndTimeUnixNano:   uint64(start.Add(120 * time.Millisecond).UnixNano()),
					Attributes:        []*commonpb.KeyValue{strAttr("tool", "bash")},
				}},
			}},
		}},
	}

	n, err := env.ingestor.IngestTraces(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var row db.TelemetrySpan
	require.NoError(t, env.database.First(&row).Error)
	assert.Equal(t, "agent-runner", row.Service)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", row.TraceID)
	assert.Equal(t, "aabbccddeeff0011", row.SpanID)
	assert.Empty(t, row.ParentID)
	assert.Equal(t, "tool.invoke", row.Name)
	assert.Equal(t, "client", row.Kind)
	assert.Equal(t, "ok", row.Status)
	require.NotNil(t, row.ProjectID)
	assert.Equal(t, projectID, *row.ProjectID)
	assert.Nil(t, row.SessionID)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.AttrsJSON), &attrs))
	assert.Equal(t, "bash", attrs["tool"])
}

func TestIngestLogsServiceFallbackAndSeverity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := &collectorlogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
					Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "clone failed"}},
				}},
			}},
		}},
	}

	n, err := env.ingestor.IngestLogs(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var row db.TelemetryLog
	require.NoError(t, env.database.First(&row).Error)
	assert.Equal(t, unknownService, row.Service)
	assert.Equal(t, "error", row.Severity)
	assert.Equal(t, "clone failed", row.Body)
	assert.Equal(t, time.Unix(0, 0).UTC(), row.At.UTC())
}

func TestIngestLogsSessionEnrichment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	session := &db.AgentSession{
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Prompt:    "fix the login flow",
		Status:    "running",
	}
	require.NoError(t, env.sessions.Create(ctx, session))

	explicitUser := uuid.New()
	req := &collectorlogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strAttr(attrServiceName, "claude-agent"),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{
					{Attributes: []*commonpb.KeyValue{strAttr(attrSessionID, session.ID.String())}},
					{Attributes: []*commonpb.KeyValue{
						strAttr(attrSessionID, session.ID.String()),
						strAttr(attrUserID, explicitUser.String()),
					}},
					{Attributes: []*commonpb.KeyValue{strAttr(attrSessionID, uuid.NewString())}},
				},
			}},
		}},
	}

	n, err := env.ingestor.IngestLogs(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var rows []db.TelemetryLog
	require.NoError(t, env.database.Order("created_at").Find(&rows).Error)
	require.Len(t, rows, 3)

	// session_id alone pulls project and user from the session.
	require.NotNil(t, rows[0].ProjectID)
	assert.Equal(t, session.ProjectID, *rows[0].ProjectID)
	require.NotNil(t, rows[0].UserID)
	assert.Equal(t, session.UserID, *rows[0].UserID)

	// An explicitly sent user_id is never overridden.
	require.NotNil(t, rows[1].UserID)
	assert.Equal(t, explicitUser, *rows[1].UserID)
	require.NotNil(t, rows[1].ProjectID)
	assert.Equal(t, session.ProjectID, *rows[1].ProjectID)

	// Unknown sessions keep the record as sent.
	assert.Nil(t, rows[2].ProjectID)
	assert.Nil(t, rows[2].UserID)
}

func TestIngestMetrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	at := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	histSum := 0.75
	req := &collectormetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strAttr(attrServiceName, "deploy-controller"),
			}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Metrics: []*metricspb.Metric{
					{
						Name: "tokens_used",
						Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
							DataPoints: []*metricspb.NumberDataPoint{{
								TimeUnixNano: uint64(at.UnixNano()),
								Value:        &metricspb.NumberDataPoint_AsInt{AsInt: 1200},
							}},
						}},
					},
					{
						Name: "queue_depth",
						Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
							DataPoints: []*metricspb.NumberDataPoint{{
								TimeUnixNano: uint64(at.UnixNano()),
								Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: 3},
							}},
						}},
					},
					{
						Name: "request_duration",
						Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
							DataPoints: []*metricspb.HistogramDataPoint{{
								TimeUnixNano: uint64(at.UnixNano()),
								Count:        4,
								Sum:          &histSum,
							}},
						}},
					},
				},
			}},
		}},
	}

	n, err := env.ingestor.IngestMetrics(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	values := map[string]float64{}
	var rows []db.TelemetryMetric
	require.NoError(t, env.database.Find(&rows).Error)
	for _, row := range rows {
		assert.Equal(t, "deploy-controller", row.Service)
		values[row.Name] = row.Value
	}
	assert.Equal(t, map[string]float64{
		"tokens_used":            1200,
		"queue_depth":            3,
		"request_duration_count": 4,
		"request_duration_sum":   0.75,
	}, values)
}

func TestIngestEmptyRequests(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	n, err := env.ingestor.IngestTraces(ctx, &collectortracepb.ExportTraceServiceRequest{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = env.ingestor.IngestLogs(ctx, &collectorlogspb.ExportLogsServiceRequest{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = env.ingestor.IngestMetrics(ctx, &collectormetricspb.ExportMetricsServiceRequest{})
	require.NoError(t, err)
	assert.Zero(t, n)
}
