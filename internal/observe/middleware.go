package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// probePaths are logged at debug level; orchestrators poll them constantly.
var probePaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// statusRecorder remembers the status code of a response. It forwards Flush
// for the NDJSON stream and Hijack for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", r.ResponseWriter)
	}
	r.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces and times every request that reaches next.
//
// It continues an incoming W3C trace or starts one, echoes the trace ID as
// X-Correlation-ID and tags the context with the session named by the
// X-Session-ID header or the session query parameter. Durations are recorded
// per route pattern, so /api/sessions/{id} stays one series however many
// sessions exist.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if id := requestSession(r); id != "" {
				ctx = WithSession(ctx, id)
			}
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			// The mux fills in Pattern while routing r.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			} else {
				span.SetName(route)
			}
			elapsed := time.Since(start)
			span.SetAttributes(
				semconv.HTTPResponseStatusCode(rec.code),
				semconv.HTTPRoute(route),
			)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", rec.code),
			))

			level := slog.LevelInfo
			if probePaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "http: request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", rec.code),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}

func requestSession(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}
