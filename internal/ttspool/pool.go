// Package ttspool runs a fixed number of synthesis workers per language.
//
// A [Pool] owns one [tts.Provider] and one voice. Callers submit phrases with
// [Pool.Submit] and block until a worker has rendered the phrase into PCM.
// Each job carries a single-assignment result slot so a result can never be
// delivered twice, and a [Canceller] the worker polls between provider
// chunks so a barge-in stops synthesis promptly.
//
// Synthesis failures never surface to the caller as errors: a phrase that
// could not be rendered resolves to empty audio so the turn can carry on with
// the next phrase.
package ttspool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrPoolClosed is returned by Submit after Shutdown has been called.
var ErrPoolClosed = errors.New("ttspool: pool closed")

// DefaultQueueSize is the job queue capacity when none is configured.
const DefaultQueueSize = 64

// Canceller reports whether the turn a job belongs to has been cancelled.
// *interrupt.Coordinator satisfies it.
type Canceller interface {
	Cancelled() bool
}

type never struct{}

func (never) Cancelled() bool { return false }

type job struct {
	ctx    context.Context
	text   string
	cancel Canceller
	queued time.Time
	result chan []byte // buffer 1, written exactly once
}

// Option is a functional option for [New].
type Option func(*Pool)

// WithQueueSize sets the job queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger for synthesis failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithSynthesisTimeout bounds a single phrase synthesis. Zero disables the
// bound.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// Pool is a bounded set of synthesis workers for one language.
// It is safe for concurrent use.
type Pool struct {
	synth     tts.Provider
	voice     types.VoiceProfile
	queueSize int
	timeout   time.Duration
	log       *slog.Logger
	metrics   *observe.Metrics

	mu      sync.RWMutex
	jobs    chan job
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a pool for voice. Workers are not running until Start.
func New(synth tts.Provider, voice types.VoiceProfile, opts ...Option) *Pool {
	p := &Pool{
		synth:     synth,
		voice:     voice,
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.jobs = make(chan job, p.queueSize)
	return p
}

// Language returns the language of the pool's voice.
func (p *Pool) Language() types.Language { return p.voice.Language }

// Provider returns the underlying synthesis provider.
func (p *Pool) Provider() tts.Provider { return p.synth }

// Voice returns the voice profile used for every job.
func (p *Pool) Voice() types.VoiceProfile { return p.voice }

// Start launches concurrency workers. Calling Start more than once, or after
// Shutdown, is a no-op.
func (p *Pool) Start(concurrency int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	if concurrency < 1 {
		concurrency = 1
	}
	for range concurrency {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Debug("ttspool: started", "lang", p.voice.Language, "workers", concurrency)
}

// Submit enqueues text and waits for its audio. The returned error is
// ErrPoolClosed or a context error; a failed synthesis yields empty audio and a
// nil error. cancel may be nil.
func (p *Pool) Submit(ctx context.Context, text string, cancel Canceller) ([]byte, error) {
	if cancel == nil {
		cancel = never{}
	}
	j := job{
		ctx:    ctx,
		text:   text,
		cancel: cancel,
		queued: time.Now(),
		result: make(chan []byte, 1),
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- j:
		p.queueDepth(ctx, 1)
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case pcm := <-j.result:
		return pcm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops intake, lets workers finish queued jobs and waits for them
// or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		// Nobody will consume the queue; resolve what is left.
		for j := range p.jobs {
			j.result <- nil
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.queueDepth(j.ctx, -1)
		j.result <- p.run(j)
	}
}

func (p *Pool) queueDepth(ctx context.Context, delta int64) {
	p.metrics.PoolQueueDepth.Add(context.WithoutCancel(ctx), delta,
		metric.WithAttributes(attribute.String("lang", string(p.voice.Language))))
}

// run synthesizes one job. It returns whatever audio was collected before the
// job was cancelled or the provider failed.
func (p *Pool) run(j job) []byte {
	if j.ctx.Err() != nil || j.cancel.Cancelled() {
		return nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(j.ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(j.ctx)
	}
	defer cancel()

	start := time.Now()
	lang := string(p.voice.Language)
	status := "ok"
	defer func() {
		p.metrics.RecordSynthesis(context.WithoutCancel(j.ctx), time.Since(start), lang, status)
	}()

	ch, err := p.synth.Synthesize(ctx, j.text, p.voice)
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(context.WithoutCancel(j.ctx), "tts", "synthesize")
		p.log.Warn("ttspool: synthesis failed", "lang", lang, "error", err)
		return nil
	}

	var pcm []byte
	for chunk := range ch {
		pcm = append(pcm, chunk...)
		if j.cancel.Cancelled() {
			status = "cancelled"
			cancel()
			go audio.Drain(ch)
			return pcm
		}
	}
	if ctx.Err() != nil && j.ctx.Err() == nil {
		status = "timeout"
		p.log.Warn("ttspool: synthesis timed out", "lang", lang, "timeout", p.timeout)
	}
	return pcm
}
