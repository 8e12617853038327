package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

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
	MaxServiceLen = 64
)

// Field is a deterministic key/value field representation.
type Field struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Event is a single log record (JSON line).
type Event struct {
	Ts      string  `json:"ts"`
	Level   Level   `json:"level"`
	Service string  `json:"service,omitempty"`
	Msg     string  `json:"msg"`
	Fields  []Field `json:"fields,omitempty"`
}

// Options configures the logger.
type Options struct {
	Service string
	Level   Level
	// Timestamp is included when true. Default true.
	Timestamp bool
}

// Logger is a structured JSON-lines logger (stdlib-only). Fields are
// emitted in sorted key order so identical events produce identical
// lines, which keeps log-based tests and diffing deterministic.
type Logger struct {
	w   io.Writer
	mu  sync.Mutex
	opt Options
}

// Nop is a safe no-op logger.
var Nop = &Logger{w: io.Discard, opt: Options{Timestamp: true, Level: LevelError}}

// NewLogger creates a logger writing JSON lines to w.
func NewLogger(w io.Writer, opt Options) *Logger {
	if w == nil {
		w = os.Stdout
	}
	opt.Service = strings.TrimSpace(opt.Service)
	if len(opt.Service) > MaxServiceLen {
		opt.Service = opt.Service[:MaxServiceLen]
	}
	if opt.Level == "" {
		opt.Level = LevelInfo
	}
	return &Logger{w: w, opt: opt}
}

// NewDefaultLogger returns an info-level logger with timestamps enabled.
func NewDefaultLogger(w io.Writer, service string) *Logger {
	return NewLogger(w, Options{Service: service, Level: LevelInfo, Timestamp: true})
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

func (l *Logger) enabled(level Level) bool {
	rank := func(x Level) int {
		switch x {
		case LevelDebug:
			return 1
		case LevelInfo:
			return 2
		case LevelWarn:
			return 3
		default:
			return 4
		}
	}
	return rank(level) >= rank(l.opt.Level)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if l == nil {
		return
	}
	if !l.enabled(level) {
		return
	}
	ev := Event{
		Level:   level,
		Service: l.opt.Service,
		Msg:     sanitize(msg, MaxMessageLen),
	}
	if l.opt.Timestamp {
		ev.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	merged := make(map[string]string, 16)
	set := func(k, v string) {
		k = strings.TrimSpace(k)
		if k == "" || len(k) > MaxKeyLen {
			return
		}
		merged[k] = sanitize(v, MaxValLen)
	}

	if fields != nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(merged) >= MaxFields {
				set("log_truncated", "true")
				break
			}
			set(k, valueToString(fields[k]))
		}
	}

	// Enrichment: tracing + request correlation. Applied after caller
	// fields so they cannot be shadowed.
	if tr, ok := TraceFromContext(ctx); ok {
		set("trace_id", tr.TraceID)
		set("span_id", tr.SpanID)
	}
	if ctx != nil {
		if v, ok := ctx.Value(requestIDKey{}).(string); ok && strings.TrimSpace(v) != "" {
			set("request_id", v)
		}
	}

	if len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ev.Fields = make([]Field, 0, len(keys))
		for _, k := range keys {
			ev.Fields = append(ev.Fields, Field{K: k, V: merged[k]})
			if len(ev.Fields) >= MaxFields {
				break
			}
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(line)
	_, _ = l.w.Write([]byte("\n"))
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id that every log call on this
// context will carry, mirroring the X-Request-Id header middleware.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the attached request id, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// sanitize trims, truncates, and removes control chars/newlines.
// (We allow printable non-ASCII; downstream systems usually handle UTF-8.)
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

func valueToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Duration:
		return x.String()
	case error:
		return x.Error()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
