package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SinaVosooghi/xrayiot/pkg/canonical"
)

// Level is a logger severity, kept distinct from zapcore.Level so call
// sites never import zap directly.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const (
	MaxFields     = 64
	MaxKeyLen     = 64
	MaxValLen     = 512
	MaxMessageLen = 1024

	// maxLoggerServiceLen bounds the service name attached to every line.
	maxLoggerServiceLen = 64

	// MaxConflictKeys bounds how many field-name collisions get reported.
	MaxConflictKeys = 8
)

// Field is a deterministic key/value field representation, the call-site
// contract every service logs through.
type Field struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Event mirrors the shape of a single emitted log record, useful for tests
// that want to assert on what would have been logged.
type Event struct {
	Level   Level   `json:"level"`
	Service string  `json:"service,omitempty"`
	Msg     string  `json:"msg"`
	Fields  []Field `json:"fields,omitempty"`
}

// Options configures the logger.
type Options struct {
	Service string
	Level   Level
}

// Logger is a structured logger with a small, stable call-site contract
// (Debug/Info/Warn/Error(ctx, msg, fields)) backed by zap's JSON core.
type Logger struct {
	z       *zap.Logger
	service string
	level   Level
}

// Nop is a safe no-op logger.
var Nop = &Logger{z: zap.NewNop(), level: LevelError}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger creates a logger writing JSON lines to w.
func NewLogger(w io.Writer, opt Options) *Logger {
	if w == nil {
		w = zapcore.Lock(zapcore.AddSync(io.Discard))
	}
	opt.Service = strings.TrimSpace(opt.Service)
	if len(opt.Service) > maxLoggerServiceLen {
		opt.Service = opt.Service[:maxLoggerServiceLen]
	}
	if opt.Level == "" {
		opt.Level = LevelInfo
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zapLevel(opt.Level))
	z := zap.New(core)
	if opt.Service != "" {
		z = z.With(zap.String("service", opt.Service))
	}

	return &Logger{z: z, service: opt.Service, level: opt.Level}
}

// NewDefaultLogger returns an info-level logger.
func NewDefaultLogger(w io.Writer, service string) *Logger {
	return NewLogger(w, Options{Service: service, Level: LevelInfo})
}

// NewInfoLogger is an alias of NewDefaultLogger.
func NewInfoLogger(w io.Writer, service string) *Logger {
	return NewDefaultLogger(w, service)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelError, msg, fields)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if l == nil || l.z == nil {
		return
	}

	merged, conflicts := mergeFields(ctx, fields)
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		merged["field_conflicts"] = strings.Join(conflicts, ",")
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, minInt(len(keys), MaxFields))
	for _, k := range keys {
		if len(zf) >= MaxFields {
			zf = append(zf, zap.Bool("log_truncated", true))
			break
		}
		zf = append(zf, zap.String(k, merged[k]))
	}

	switch level {
	case LevelDebug:
		l.z.Debug(sanitize(msg, MaxMessageLen), zf...)
	case LevelWarn:
		l.z.Warn(sanitize(msg, MaxMessageLen), zf...)
	case LevelError:
		l.z.Error(sanitize(msg, MaxMessageLen), zf...)
	default:
		l.z.Info(sanitize(msg, MaxMessageLen), zf...)
	}
}

// mergeFields combines context-derived enrichment (authoritative) with
// caller-supplied fields (non-authoritative). A caller field that collides
// with an authoritative key is dropped and recorded as a conflict.
func mergeFields(ctx context.Context, fields map[string]any) (map[string]string, []string) {
	merged := make(map[string]string, 16)
	var conflicts []string

	set := func(k, v string, authoritative bool) {
		k = strings.TrimSpace(k)
		if k == "" || len(k) > MaxKeyLen {
			return
		}
		v = sanitize(v, MaxValLen)
		if existing, ok := merged[k]; ok && existing != v {
			if authoritative {
				merged[k] = v
			}
			if len(conflicts) < MaxConflictKeys {
				conflicts = append(conflicts, k)
			}
			return
		}
		merged[k] = v
	}

	if sc, ok := SpanContextFromContext(ctx); ok {
		set("trace_id", sc.TraceID, true)
		set("span_id", sc.SpanID, true)
		if sc.ParentSpanID != "" {
			set("parent_span_id", sc.ParentSpanID, true)
		}
		set("sampled", boolString(sc.Sampled), true)
	}
	if ctx != nil {
		if v := ctx.Value("request_id"); v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				set("request_id", s, true)
			}
		}
		if v := ctx.Value("device_id"); v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				set("device_id", s, true)
			}
		}
	}

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k2 := strings.TrimSpace(k)
			if k2 == "" || len(k2) > MaxKeyLen {
				continue
			}
			set(k2, valueToStringDeterministic(fields[k]), false)
		}
	}

	return merged, conflicts
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// sanitize trims, truncates, and strips control characters.
func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// valueToStringDeterministic renders a caller-supplied field value into a
// stable string. Composite values go through the canonical JSON encoder so
// log lines with the same data are byte-identical regardless of map
// iteration order.
func valueToStringDeterministic(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case error:
		return x.Error()
	case map[string]any, []any:
		b, err := canonical.Bytes(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
