package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test. Tests calling it must not run in parallel.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects slog.Default into a text buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func spanAttr(s tracetest.SpanStub, key string) string {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

// ─── Session context ─────────────────────────────────────────────────────────

func TestSessionID(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSession(context.Background(), "kitchen")
	if got := SessionID(ctx); got != "kitchen" {
		t.Errorf("SessionID = %q, want kitchen", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSession(context.Background(), "kitchen")
	_, span := StartSpan(ctx, "parley.synthesize")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "parley.synthesize" {
		t.Fatalf("spans = %+v", spans)
	}
	if got := spanAttr(spans[0], "parley.session_id"); got != "kitchen" {
		t.Errorf("parley.session_id = %q", got)
	}
}

// ─── Turn spans ──────────────────────────────────────────────────────────────

func TestStartTurn(t *testing.T) {
	exp := useTracer(t)

	tests := []struct {
		status    string
		wantError bool
	}{
		{"complete", false},
		{"interrupted", false},
		{"error", true},
	}
	for _, tt := range tests {
		exp.Reset()
		ctx, end := StartTurn(WithSession(context.Background(), "s1"), "mr")
		if CorrelationID(ctx) == "" {
			t.Fatalf("%s: turn context carries no trace", tt.status)
		}
		end(tt.status)

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: %d spans recorded", tt.status, len(spans))
		}
		s := spans[0]
		if s.Name != "parley.turn" || spanAttr(s, "parley.lang") != "mr" || spanAttr(s, "parley.turn.status") != tt.status {
			t.Errorf("%s: span = %s %v", tt.status, s.Name, s.Attributes)
		}
		if got := s.Status.Code == codes.Error; got != tt.wantError {
			t.Errorf("%s: error status = %v, want %v", tt.status, got, tt.wantError)
		}
	}
}

// ─── Correlation ─────────────────────────────────────────────────────────────

func TestCorrelationID(t *testing.T) {
	exp := useTracer(t)
	_ = exp

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex digits", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

// ─── Logger ──────────────────────────────────────────────────────────────────

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"session_id", "trace_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSession(context.Background(), "kitchen"), func() {}
			},
			want:    []string{"session_id=kitchen"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSession(context.Background(), "kitchen"), "turn")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=kitchen", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		buf := captureLog(t)
		ctx, done := tt.ctx()
		Logger(ctx).Info("turn: start")
		done()

		line := buf.String()
		for _, w := range tt.want {
			if !strings.Contains(line, w) {
				t.Errorf("%s: %q missing from %s", tt.name, w, line)
			}
		}
		for _, nw := range tt.notWant {
			if strings.Contains(line, nw) {
				t.Errorf("%s: unexpected %q in %s", tt.name, nw, line)
			}
		}
	}
}
