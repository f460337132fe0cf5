// Package turn runs one agent response turn: it streams text from the LLM,
// cuts it into phrases, synthesizes phrases concurrently on the language's
// worker pool and re-emits the results strictly in generation order.
//
// A barge-in observed through the [interrupt.Coordinator] ends the turn with a
// single interrupt event. Whatever text was generated up to that point is kept
// in the conversation history as a partial response.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/lang"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/ttspool"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrEmptyInput is returned by [Orchestrator.RunTurn] when the request text is
// blank.
var ErrEmptyInput = errors.New("turn: empty input")

const (
	// DefaultTemperature keeps replies consistent in the locked language.
	DefaultTemperature = 0.3

	// TurnStartImmunity is applied to the detector when a turn begins.
	TurnStartImmunity = 400 * time.Millisecond

	// FirstAudioImmunity is applied when the first phrase is emitted, covering
	// the start of playback.
	FirstAudioImmunity = 800 * time.Millisecond

	defaultPollInterval = 100 * time.Millisecond
	defaultReorderWait  = time.Second
	eventBuffer         = 32
)

// EventType identifies a turn event.
type EventType string

const (
	// EventText carries one increment of generated text.
	EventText EventType = "text"

	// EventAudioText carries one phrase, ready for playback.
	EventAudioText EventType = "audio_text"

	// EventInterrupt ends a turn cancelled by a barge-in.
	EventInterrupt EventType = "interrupt"
)

// Event is one record of a turn's output stream.
type Event struct {
	Type    EventType      `json:"type"`
	Content string         `json:"content,omitempty"`
	Lang    types.Language `json:"lang,omitempty"`

	// Audio is the phrase's 16 kHz mono PCM when a worker pool exists for the
	// language. It is empty when synthesis failed or was skipped.
	Audio []byte `json:"audio,omitempty"`
}

// Request starts a turn.
type Request struct {
	Text string

	// Language is an optional explicit language ("en", "hi" or "mr"). Any
	// other value falls back to detection.
	Language string
}

// ImmunityStarter is the part of the voice activity detector the orchestrator
// drives. It is satisfied by *vad.Detector.
type ImmunityStarter interface {
	StartImmunity(d time.Duration)
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithPools sets the per-language worker pools. Without a pool for the turn
// language, phrases are emitted without audio.
func WithPools(s *ttspool.Set) Option {
	return func(o *Orchestrator) { o.pools = s }
}

// WithDetector sets the detector that receives immunity windows.
func WithDetector(d ImmunityStarter) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithPersona replaces [DefaultPersona].
func WithPersona(p string) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.persona = p
		}
	}
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithMaxTokens caps the completion length. Zero keeps the provider default.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithClock overrides the time source used in prompts.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDetectorLanguage sets a callback invoked with the resolved language of
// every turn, typically the detector's SetLanguage.
func WithDetectorLanguage(fn func(types.Language)) Option {
	return func(o *Orchestrator) { o.onLanguage = fn }
}

// WithTiming overrides how often the stream checks for a barge-in and how
// long the reorder stage waits for the next phrase per cycle. Non-positive
// values keep the defaults.
func WithTiming(poll, reorder time.Duration) Option {
	return func(o *Orchestrator) {
		if poll > 0 {
			o.pollInterval = poll
		}
		if reorder > 0 {
			o.reorderWait = reorder
		}
	}
}

// WithPhraseLengths overrides [FirstPhraseMinLen] and [PhraseMinLen].
// Non-positive values keep the defaults.
func WithPhraseLengths(first, rest int) Option {
	return func(o *Orchestrator) {
		if first > 0 {
			o.firstPhraseMin = first
		}
		if rest > 0 {
			o.phraseMin = rest
		}
	}
}

// WithImmunity overrides [TurnStartImmunity] and [FirstAudioImmunity].
// Non-positive values keep the defaults.
func WithImmunity(turnStart, firstAudio time.Duration) Option {
	return func(o *Orchestrator) {
		if turnStart > 0 {
			o.startImmunity = turnStart
		}
		if firstAudio > 0 {
			o.firstAudioImmunity = firstAudio
		}
	}
}

// Orchestrator runs response turns for one conversation. Turns are
// serialized: [Orchestrator.RunTurn] waits until the previous turn's stream
// has finished.
type Orchestrator struct {
	llm     llm.Provider
	coord   *interrupt.Coordinator
	history *history.History

	pools       *ttspool.Set
	detector    ImmunityStarter
	onLanguage  func(types.Language)
	persona     string
	temperature float64
	maxTokens   int
	now         func() time.Time
	log         *slog.Logger
	metrics     *observe.Metrics

	pollInterval       time.Duration
	reorderWait        time.Duration
	firstPhraseMin     int
	phraseMin          int
	startImmunity      time.Duration
	firstAudioImmunity time.Duration

	// sem holds the turn slot.
	sem chan struct{}
}

// New creates an Orchestrator. coord and hist belong to the conversation.
func New(provider llm.Provider, coord *interrupt.Coordinator, hist *history.History, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:          provider,
		coord:        coord,
		history:      hist,
		persona:      DefaultPersona,
		temperature:  DefaultTemperature,
		now:          time.Now,
		log:          slog.Default(),
		pollInterval: defaultPollInterval,
		reorderWait:  defaultReorderWait,
		sem:          make(chan struct{}, 1),

		firstPhraseMin:     FirstPhraseMinLen,
		phraseMin:          PhraseMinLen,
		startImmunity:      TurnStartImmunity,
		firstAudioImmunity: FirstAudioImmunity,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// RunTurn starts a turn and returns its event stream. The channel is closed
// when the turn completes or is interrupted; callers must drain it. Cancelling
// ctx abandons the turn.
//
// RunTurn returns [ErrEmptyInput] for blank text before touching any state,
// and ctx's error if ctx ends while waiting for the previous turn.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request) (<-chan Event, error) {
	raw := strings.TrimSpace(req.Text)
	if raw == "" {
		return nil, ErrEmptyInput
	}
	explicit := req.Language
	if tagged, rest, ok := lang.SplitTag(raw); ok {
		if rest == "" {
			return nil, ErrEmptyInput
		}
		raw = rest
		if _, ok := types.ParseLanguage(explicit); !ok {
			explicit = string(tagged)
		}
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.coord.OnTurnStart()
	if o.detector != nil {
		o.detector.StartImmunity(o.startImmunity)
	}

	language := lang.Resolve(explicit, raw)
	if o.onLanguage != nil {
		o.onLanguage(language)
	}
	input := lang.NormalizeInput(raw, language)
	o.log.Info("turn: start", "lang", language, "input", input)

	t := &turnRun{
		o:        o,
		language: language,
		input:    input,
		started:  time.Now(),
		out:      make(chan Event, eventBuffer),
		events:   make(chan Event, eventBuffer),
		notify:   make(chan struct{}, 1),
		results:  make(map[int]phraseResult),
	}
	if o.pools != nil {
		if p, ok := o.pools.Get(language); ok {
			t.pool = p
		}
	}
	go t.run(ctx)
	return t.out, nil
}

// turnRun is the state of a single turn.
type turnRun struct {
	o        *Orchestrator
	language types.Language
	input    string
	started  time.Time
	pool     *ttspool.Pool

	out    chan Event
	events chan Event

	// mu guards the generated text and the terminal flags, so the partial
	// text saved on interrupt is exactly what was generated before it.
	mu          sync.Mutex
	text        strings.Builder
	interrupted bool
	genDone     bool
	dispatched  int
	results     map[int]phraseResult
	notify      chan struct{}
}

func (t *turnRun) run(ctx context.Context) {
	o := t.o
	ctx, endSpan := observe.StartTurn(ctx, string(t.language))
	turnCtx, cancel := context.WithCancel(ctx)
	done := o.coord.Done()

	g, gctx := errgroup.WithContext(turnCtx)
	g.Go(func() error {
		t.generate(gctx, g)
		return nil
	})
	g.Go(func() error {
		t.reorder(gctx, done)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(t.events)
	}()

	status := t.merge(ctx, done)
	close(t.out)

	// Stop the stages and let them drain before releasing the turn slot.
	cancel()
	_ = g.Wait()

	o.metrics.RecordTurn(context.WithoutCancel(ctx), time.Since(t.started), string(t.language), status)
	o.log.Info("turn: end", "lang", t.language, "status", status, "elapsed", time.Since(t.started))
	endSpan(status)
	<-o.sem
}

// merge forwards stage events to the caller until the stages finish, the
// coordinator cancels the turn or ctx ends. It returns the turn status.
func (t *turnRun) merge(ctx context.Context, done <-chan struct{}) string {
	ticker := time.NewTicker(t.o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-t.events:
			if !ok {
				if t.o.coord.Cancelled() {
					t.interrupt(ctx)
					return "interrupted"
				}
				if ctx.Err() != nil {
					t.abort()
					return "aborted"
				}
				t.complete()
				return "complete"
			}
			if t.o.coord.Cancelled() {
				t.interrupt(ctx)
				return "interrupted"
			}
			select {
			case t.out <- ev:
			case <-done:
				t.interrupt(ctx)
				return "interrupted"
			case <-ctx.Done():
				t.abort()
				return "aborted"
			}
		case <-done:
			t.interrupt(ctx)
			return "interrupted"
		case <-ticker.C:
			if t.o.coord.Cancelled() {
				t.interrupt(ctx)
				return "interrupted"
			}
		case <-ctx.Done():
			t.abort()
			return "aborted"
		}
	}
}

// interrupt saves the partial turn and emits the single interrupt event. The
// save comes first so a slow reader cannot hold it back.
func (t *turnRun) interrupt(ctx context.Context) {
	partial := t.stop()
	n := t.o.history.AppendPartial(t.userEntry(), partial)
	t.o.log.Info("turn: interrupted", "lang", t.language, "partial_chars", len(partial), "saved", n)
	select {
	case t.out <- Event{Type: EventInterrupt}:
	case <-ctx.Done():
	}
}

// abort saves the partial turn when the caller went away.
func (t *turnRun) abort() {
	partial := t.stop()
	t.o.history.AppendPartial(t.userEntry(), partial)
}

func (t *turnRun) complete() {
	t.mu.Lock()
	full := strings.TrimSpace(t.text.String())
	t.mu.Unlock()
	if full == "" {
		return
	}
	agent := history.Entry{Role: types.RoleAgent, Text: full, Language: t.language}
	if !t.o.history.AppendTurn(t.userEntry(), agent) {
		t.o.log.Debug("turn: history already holds this turn")
	}
}

// stop marks the turn interrupted and returns the text generated so far.
// Generation discards anything that arrives afterwards.
func (t *turnRun) stop() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = true
	return strings.TrimSpace(t.text.String())
}

func (t *turnRun) userEntry() history.Entry {
	return history.Entry{Role: types.RoleUser, Text: t.input, Language: t.language}
}

// Cancelled implements [ttspool.Canceller] so in-flight synthesis stops on a
// barge-in.
func (t *turnRun) Cancelled() bool {
	return t.o.coord.Cancelled()
}

// ─── Generation ──────────────────────────────────────────────────────────────

func (t *turnRun) generate(ctx context.Context, g *errgroup.Group) {
	o := t.o
	defer t.finishGeneration()

	start := time.Now()
	status := "complete"
	defer func() {
		o.metrics.RecordGeneration(context.WithoutCancel(ctx), time.Since(start), string(t.language), status)
	}()

	prompt := buildPrompt(promptInput{
		persona:  o.persona,
		now:      o.now(),
		history:  o.history.Snapshot(),
		language: t.language,
		input:    t.input,
	})
	stream, err := o.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		status = "error"
		o.log.Error("turn: start generation", "lang", t.language, "model", o.llm.Model(), "err", err)
		return
	}
	defer drain(stream)

	seg := newSegmenter(o.firstPhraseMin, o.phraseMin)
	for {
		var (
			chunk llm.Chunk
			ok    bool
		)
		select {
		case chunk, ok = <-stream:
		case <-ctx.Done():
			status = "cancelled"
			return
		}
		if !ok {
			break
		}
		if chunk.FinishReason == llm.FinishError {
			status = "error"
			o.log.Error("turn: generation failed", "lang", t.language, "model", o.llm.Model(), "err", chunk.Err)
			break
		}
		if o.coord.Cancelled() {
			status = "cancelled"
			return
		}
		if chunk.Text != "" {
			if !t.appendText(chunk.Text) {
				status = "cancelled"
				return
			}
			if !t.emit(ctx, Event{Type: EventText, Content: chunk.Text}) {
				status = "cancelled"
				return
			}
			seg.Write(chunk.Text)
			for {
				phrase, ok := seg.Next()
				if !ok {
					break
				}
				if t.dispatch(ctx, g, phrase) {
					seg.Dispatched()
				}
			}
		}
		if chunk.FinishReason != "" {
			break
		}
	}

	if !o.coord.Cancelled() {
		t.dispatch(ctx, g, seg.Flush())
	}
}

// appendText records generated text unless the turn was already stopped.
func (t *turnRun) appendText(s string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		return false
	}
	t.text.WriteString(s)
	return true
}

// dispatch validates phrase for the turn language and, when anything is left,
// synthesizes it under the next sequence index. It reports whether a phrase
// was dispatched.
func (t *turnRun) dispatch(ctx context.Context, g *errgroup.Group, phrase string) bool {
	if phrase == "" {
		return false
	}
	valid := lang.ValidateOutput(phrase, t.language)
	if valid == "" {
		return false
	}

	t.mu.Lock()
	idx := t.dispatched
	t.dispatched++
	t.mu.Unlock()

	g.Go(func() error {
		var pcm []byte
		if t.pool != nil && !t.o.coord.Cancelled() {
			var err error
			pcm, err = t.pool.Submit(ctx, valid, t)
			if err != nil && !errors.Is(err, context.Canceled) {
				t.o.log.Warn("turn: synthesis", "lang", t.language, "index", idx, "err", err)
			}
		}
		t.deliver(idx, valid, pcm)
		return nil
	})
	return true
}

func (t *turnRun) finishGeneration() {
	t.mu.Lock()
	t.genDone = true
	t.mu.Unlock()
	t.wake()
}

// ─── Reordering ──────────────────────────────────────────────────────────────

type phraseResult struct {
	text string
	pcm  []byte
}

func (t *turnRun) deliver(idx int, text string, pcm []byte) {
	t.mu.Lock()
	t.results[idx] = phraseResult{text: text, pcm: pcm}
	t.mu.Unlock()
	t.wake()
}

func (t *turnRun) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// reorder emits phrase results in dispatch order. It waits at most the
// reorder interval for progress before re-checking whether generation has
// finished with nothing left in flight.
func (t *turnRun) reorder(ctx context.Context, done <-chan struct{}) {
	o := t.o
	timer := time.NewTimer(o.reorderWait)
	defer timer.Stop()

	next := 0
	for {
		if o.coord.Cancelled() {
			return
		}
		t.mu.Lock()
		res, ready := t.results[next]
		if ready {
			delete(t.results, next)
		}
		finished := !ready && t.genDone && next >= t.dispatched
		t.mu.Unlock()

		if ready {
			if next == 0 {
				if o.detector != nil {
					o.detector.StartImmunity(o.firstAudioImmunity)
				}
				o.metrics.RecordTimeToFirstAudio(context.WithoutCancel(ctx), time.Since(t.started), string(t.language))
			}
			ev := Event{Type: EventAudioText, Content: res.text, Lang: t.language, Audio: res.pcm}
			if !t.emit(ctx, ev) {
				return
			}
			next++
			continue
		}
		if finished {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.reorderWait)
		select {
		case <-t.notify:
		case <-timer.C:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *turnRun) emit(ctx context.Context, ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan llm.Chunk) {
	go func() {
		for range ch {
		}
	}()
}
