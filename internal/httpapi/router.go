// Package httpapi is the ingestion front door: POST /api/leads, the
// operator replay endpoint, and health/metrics. Handlers decode and
// classify; every business decision lives in internal/ingest and below.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"strings"
	"unicode"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/leadforge/core/pkg/errors"
	"github.com/leadforge/core/pkg/telemetry"
)

const requestIDHeader = "X-Request-Id"

// NewRouter wires the API surface onto a mux router with the standard
// middleware stack (request id, panic recovery, JSON enforcement on
// lead ingestion).
func NewRouter(s *Server, registry *prometheus.Registry) http.Handler {
	r := mux.NewRouter()

	r.Handle("/api/leads", requireJSON(http.HandlerFunc(s.handleIngest))).Methods(http.MethodPost)
	r.Handle("/api/leads/{id:[0-9]+}/replay", http.HandlerFunc(s.handleReplay)).Methods(http.MethodPost)
	r.Handle("/health", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	handler = recoverer(handler, s.Logger)
	handler = withRequestID(handler)
	return handler
}

func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			env := pkgerrors.NewEnvelope(pkgerrors.InputInvalid, "content-type must be application/json", requestID(r), "", nil)
			pkgerrors.WriteHTTP(w, http.StatusUnsupportedMediaType, env)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recoverer(next http.Handler, logger *telemetry.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if logger != nil {
					logger.Error(r.Context(), "panic in handler", map[string]any{
						"path":  r.URL.Path,
						"panic": rec,
						"stack": string(debug.Stack()),
					})
				}
				env := pkgerrors.NewEnvelope(pkgerrors.Internal, "internal server error", requestID(r), "", nil)
				pkgerrors.WriteHTTP(w, http.StatusInternalServerError, env)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = newRequestID()
		}
		r.Header.Set(requestIDHeader, id)
		w.Header().Set(requestIDHeader, id)
		ctx := telemetry.ContextWithRequestID(r.Context(), id)

		// Correlate to a caller-propagated trace when one is present,
		// mint a fresh one otherwise; every log line on this request
		// then carries trace_id/span_id.
		trace, ok := telemetry.ParseTraceparent(r.Header.Get("traceparent"))
		if !ok {
			trace = telemetry.NewTrace()
		}
		ctx = telemetry.WithTrace(ctx, trace)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func validRequestID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req_fallback"
	}
	return "req_" + hex.EncodeToString(b[:])
}
