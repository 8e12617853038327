package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace is the correlation context attached to a request: the trace id a
// caller propagated via W3C traceparent plus the span this process
// minted for its own work. There is no sampling decision engine here;
// the flag is carried through for whatever collector sits downstream.
type Trace struct {
	TraceID string
	SpanID  string
	Sampled bool
}

type traceKey struct{}

// WithTrace returns a context carrying t.
func WithTrace(ctx context.Context, t Trace) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFromContext extracts the Trace from ctx if one was attached.
func TraceFromContext(ctx context.Context) (Trace, bool) {
	if ctx == nil {
		return Trace{}, false
	}
	t, ok := ctx.Value(traceKey{}).(Trace)
	if !ok || t.TraceID == "" {
		return Trace{}, false
	}
	return t, true
}

// ParseTraceparent decodes a W3C traceparent header
// ("00-<32 hex>-<16 hex>-<2 hex>") into a Trace with a freshly minted
// span id, so this process's logs correlate to the caller's trace
// without reusing the caller's span.
func ParseTraceparent(header string) (Trace, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 || parts[0] != "00" {
		return Trace{}, false
	}
	traceID, parentSpan, flags := strings.ToLower(parts[1]), strings.ToLower(parts[2]), parts[3]
	if !isHex(traceID, 32) || traceID == strings.Repeat("0", 32) {
		return Trace{}, false
	}
	if !isHex(parentSpan, 16) || !isHex(flags, 2) {
		return Trace{}, false
	}
	return Trace{
		TraceID: traceID,
		SpanID:  NewSpanID(),
		Sampled: flags == "01",
	}, true
}

// NewTrace mints a fresh trace for a request that arrived without one.
func NewTrace() Trace {
	return Trace{TraceID: randHex(16), SpanID: randHex(8)}
}

// NewSpanID mints a span id for work done under an existing trace.
func NewSpanID() string { return randHex(8) }

// Traceparent renders t back into header form for outbound propagation.
func (t Trace) Traceparent() string {
	flags := "00"
	if t.Sampled {
		flags = "01"
	}
	return "00-" + t.TraceID + "-" + t.SpanID + "-" + flags
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", nBytes*2)
	}
	return hex.EncodeToString(b)
}
