// Package observe holds the telemetry of the engine.
//
// Turn, synthesis and provider instruments live in [Metrics] and are exported
// to Prometheus once [InitProvider] has run. Every turn gets a span from
// [StartTurn]; [WithSession] tags a context so its spans and its [Logger]
// carry the session ID. [Middleware] does the same for HTTP requests.
//
// Tests build their own [Metrics] with [NewMetrics] and a manual reader
// instead of using [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

// latencyBuckets are in seconds, from a 10ms phrase chunk to a 10s turn.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics bundles the engine's instruments. Prefer the Record helpers; the
// raw instruments are exported for the gauges, which callers adjust with Add.
type Metrics struct {
	TurnDuration     metric.Float64Histogram // lang, status
	TimeToFirstAudio metric.Float64Histogram // lang
	LLMDuration      metric.Float64Histogram // lang, status
	TTSDuration      metric.Float64Histogram // lang, status

	Turns    metric.Int64Counter // lang, status
	BargeIns metric.Int64Counter
	Commits  metric.Int64Counter // lang

	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	CircuitTransitions metric.Int64Counter // provider, state

	ActiveSessions metric.Int64UpDownCounter
	PoolQueueDepth metric.Int64UpDownCounter // lang

	// HTTPRequestDuration is recorded by [Middleware] per method, route
	// pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// instruments creates instruments on one meter and collects their errors
// for a single check in NewMetrics.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	in.errs = append(in.errs, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		TurnDuration:     in.latency("parley.turn.duration", "Wall time of a response turn."),
		TimeToFirstAudio: in.latency("parley.turn.time_to_first_audio", "Delay from turn start to the first synthesized phrase."),
		LLMDuration:      in.latency("parley.llm.duration", "Time from opening an LLM stream to its end."),
		TTSDuration:      in.latency("parley.tts.duration", "Synthesis time of one phrase."),

		Turns:    in.counter("parley.turns", "Response turns by language and final status."),
		BargeIns: in.counter("parley.barge_ins", "Confirmed user barge-ins."),
		Commits:  in.counter("parley.commits", "End-of-utterance commits by language."),

		ProviderRequests:   in.counter("parley.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     in.counter("parley.provider.errors", "Failed provider calls by provider and kind."),
		CircuitTransitions: in.counter("parley.provider.circuit_transitions", "Breaker state changes by provider and state entered."),

		ActiveSessions: in.gauge("parley.active_sessions", "Live conversation sessions."),
		PoolQueueDepth: in.gauge("parley.tts.queue_depth", "Synthesis jobs waiting for a worker, by language."),
	}
	// HTTP latencies use the SDK default buckets.
	var err error
	m.HTTPRequestDuration, err = in.meter.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	)
	in.errs = append(in.errs, err)

	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. Call it after [InitProvider] so the instruments are exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func with(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

// RecordProviderRequest counts one call routed through a fallback group.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, with("provider", provider, "kind", kind, "status", status))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, with("provider", provider, "kind", kind))
}

// RecordTurn records both the duration and the count of a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, lang, status string) {
	attrs := with("lang", lang, "status", status)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
	m.Turns.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordTimeToFirstAudio(ctx context.Context, d time.Duration, lang string) {
	m.TimeToFirstAudio.Record(ctx, d.Seconds(), with("lang", lang))
}

func (m *Metrics) RecordGeneration(ctx context.Context, d time.Duration, lang, status string) {
	m.LLMDuration.Record(ctx, d.Seconds(), with("lang", lang, "status", status))
}

func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration, lang, status string) {
	m.TTSDuration.Record(ctx, d.Seconds(), with("lang", lang, "status", status))
}

func (m *Metrics) RecordBargeIn(ctx context.Context) { m.BargeIns.Add(ctx, 1) }

func (m *Metrics) RecordCommit(ctx context.Context, lang string) {
	m.Commits.Add(ctx, 1, with("lang", lang))
}

func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, state string) {
	m.CircuitTransitions.Add(ctx, 1, with("provider", provider, "state", state))
}
