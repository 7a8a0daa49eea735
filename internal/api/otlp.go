package api

import (
	"io"
	"net/http"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/platform-io/platform/internal/otlp"
)

// maxOTLPBody bounds a single export payload.
const maxOTLPBody = 4 << 20

// OTLPHandler accepts binary-protobuf OTLP/HTTP exports on the standard
// /v1/traces, /v1/logs and /v1/metrics paths. Exports are accepted without
// authentication so workloads can ship telemetry with zero client config;
// correlation attributes decide what the rows attach to.
type OTLPHandler struct {
	ingestor *otlp.Ingestor
	logger   *zap.Logger
}

func NewOTLPHandler(ingestor *otlp.Ingestor, logger *zap.Logger) *OTLPHandler {
	return &OTLPHandler{
		ingestor: ingestor,
		logger:   logger.Named("otlp_handler"),
	}
}

// Traces handles POST /v1/traces.
func (h *OTLPHandler) Traces(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req collectortracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		ErrBadRequest(w, "malformed trace export")
		return
	}
	n, err := h.ingestor.IngestTraces(r.Context(), &req)
	if err != nil {
		h.logger.Error("trace ingest failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.respond(w, &collectortracepb.ExportTraceServiceResponse{}, n)
}

// Logs handles POST /v1/logs.
func (h *OTLPHandler) Logs(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req collectorlogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		ErrBadRequest(w, "malformed logs export")
		return
	}
	n, err := h.ingestor.IngestLogs(r.Context(), &req)
	if err != nil {
		h.logger.Error("logs ingest failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.respond(w, &collectorlogspb.ExportLogsServiceResponse{}, n)
}

// Metrics handles POST /v1/metrics.
func (h *OTLPHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req collectormetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		ErrBadRequest(w, "malformed metrics export")
		return
	}
	n, err := h.ingestor.IngestMetrics(r.Context(), &req)
	if err != nil {
		h.logger.Error("metrics ingest failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.respond(w, &collectormetricspb.ExportMetricsServiceResponse{}, n)
}

func (h *OTLPHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOTLPBody))
	if err != nil {
		ErrBadRequest(w, "request body too large or unreadable")
		return nil, false
	}
	return body, true
}

// respond writes the empty OTLP success response in binary protobuf, as the
// OTLP/HTTP spec requires for application/x-protobuf requests.
func (h *OTLPHandler) respond(w http.ResponseWriter, msg proto.Message, stored int) {
	h.logger.Debug("otlp export accepted", zap.Int("records", stored))
	out, err := proto.Marshal(msg)
	if err != nil {
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
