package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger builds the service's JSON logger writing to stdout. An
// unparsable level falls back to info.
//
// Levels: error for store, broker and handler failures; warn for rejected
// requests, dropped frames and disconnects; info for workflow transitions
// and connection changes; debug for cache traffic and frame payloads.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zcfg.Build(zap.Fields(zap.String("service", "bandflow")))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("email", rctx.Email),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	return logger.With(fields...)
}

// redactedFields are always masked by RedactBody. Keys match case-insensitively.
var redactedFields = []string{
	"password",
	"token",
	"authorization",
	"qrCode",
	"email",
}

const redacted = "[REDACTED]"

// RedactBody returns a deep copy of body safe for debug logs: values under
// redactedFields or extra are masked, in nested objects and arrays too.
func RedactBody(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(redactedFields)+len(extra))
	for _, f := range append(slices.Clone(redactedFields), extra...) {
		mask[strings.ToLower(f)] = struct{}{}
	}
	return redactObject(body, mask)
}

func redactObject(obj map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, hide := mask[strings.ToLower(k)]; hide {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, mask)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, mask)
		}
		return items
	default:
		return v
	}
}
