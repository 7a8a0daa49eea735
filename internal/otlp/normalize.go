package otlp

import (
	"encoding/json"
	"math"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// severityName maps OTLP severity numbers to level strings. Zero and
// out-of-range values normalize to info.
func severityName(num int32) string {
	switch {
	case num >= 1 && num <= 4:
		return "trace"
	case num >= 5 && num <= 8:
		return "debug"
	case num >= 9 && num <= 12:
		return "info"
	case num >= 13 && num <= 16:
		return "warn"
	case num >= 17 && num <= 20:
		return "error"
	case num >= 21 && num <= 24:
		return "fatal"
	default:
		return "info"
	}
}

// kindName maps the span kind enum; unknown values normalize to internal.
func kindName(kind tracepb.Span_SpanKind) string {
	switch kind {
	case tracepb.Span_SPAN_KIND_SERVER:
		return "server"
	case tracepb.Span_SPAN_KIND_CLIENT:
		return "client"
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return "producer"
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return "consumer"
	default:
		return "internal"
	}
}

// statusName maps the span status code; only ok and error are meaningful.
func statusName(status *tracepb.Status) string {
	if status == nil {
		return ""
	}
	switch status.Code {
	case tracepb.Status_STATUS_CODE_OK:
		return "ok"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "error"
	default:
		return ""
	}
}

// fromUnixNano converts an OTLP nanosecond timestamp. Values that do not
// fit a signed 64-bit clock fall back to the epoch.
func fromUnixNano(ns uint64) time.Time {
	if ns == 0 || ns > math.MaxInt64 {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(0, int64(ns)).UTC()
}

// anyValueToGo converts an OTLP AnyValue recursively into plain Go values
// suitable for JSON encoding. Unset values become nil.
func anyValueToGo(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		if val.ArrayValue == nil {
			return []any{}
		}
		out := make([]any, 0, len(val.ArrayValue.Values))
		for _, item := range val.ArrayValue.Values {
			out = append(out, anyValueToGo(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		if val.KvlistValue == nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(val.KvlistValue.Values))
		for _, kv := range val.KvlistValue.Values {
			out[kv.Key] = anyValueToGo(kv.Value)
		}
		return out
	default:
		return nil
	}
}

// attrsToMap flattens a KeyValue list; later duplicates win.
func attrsToMap(attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[kv.Key] = anyValueToGo(kv.Value)
	}
	return out
}

// attrsToJSON renders attributes as a JSON object string, "{}" on failure.
func attrsToJSON(attrs []*commonpb.KeyValue) string {
	data, err := json.Marshal(attrsToMap(attrs))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// anyValueJSON renders a single value as JSON, "" on failure.
func anyValueJSON(v *commonpb.AnyValue) string {
	data, err := json.Marshal(anyValueToGo(v))
	if err != nil {
		return ""
	}
	return string(data)
}

// attrString returns the string attribute for key, or "".
func attrString(attrs []*commonpb.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.Key == key {
			if s, ok := anyValueToGo(kv.Value).(string); ok {
				return s
			}
		}
	}
	return ""
}
