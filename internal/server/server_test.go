package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/ttspool"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	sessions *session.Manager
	clock    *testClock
	srv      *httptest.Server
}

func newEnv(t *testing.T, chunks []llm.Chunk, langs []types.Language, opts ...Option) *env {
	t.Helper()
	return newEnvWithVAD(t, &vadmock.Session{Confidence: 1}, chunks, langs, opts...)
}

// newEnvWithVAD is newEnv with a scripted classifier session.
func newEnvWithVAD(t *testing.T, vs *vadmock.Session, chunks []llm.Chunk, langs []types.Language, opts ...Option) *env {
	t.Helper()
	e := &env{
		llm:   &llmmock.Provider{StreamChunks: chunks},
		tts:   &ttsmock.Provider{},
		clock: &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	var members []ttspool.Member
	for _, l := range langs {
		members = append(members, ttspool.Member{
			Pool:        ttspool.New(e.tts, types.VoiceProfile{ID: string(l), Language: l}),
			Concurrency: 2,
		})
	}
	pools, err := ttspool.NewSet(members...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	t.Cleanup(func() { _ = pools.ShutdownAll(context.Background()) })

	e.sessions, err = session.NewManager(session.Config{
		VAD:   &vadmock.Engine{Session: vs},
		LLM:   e.llm,
		Pools: pools,
		Turn:  []turn.Option{turn.WithTiming(10*time.Millisecond, 100*time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(e.sessions.CloseAll)

	base := []Option{WithPools(pools), WithClock(e.clock.Now), WithHealth(health.New(nil))}
	s, err := New(e.sessions, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) post(t *testing.T, path string, body any, header ...string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, r io.Reader) []turn.Event {
	t.Helper()
	var out []turn.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var ev turn.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode record %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

var all = types.SupportedLanguages

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.Config{VAD: &vadmock.Engine{}, LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

// ─── /api/stream_chat ────────────────────────────────────────────────────────

func TestStreamChat_NDJSON(t *testing.T) {
	t.Parallel()

	e := newEnv(t, llmmock.TextChunks("Hello there. ", "How are you?"), all)
	resp := e.post(t, "/api/stream_chat", map[string]string{"text": "hi", "language": "en"})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := resp.Header.Get(SessionHeader); id != DefaultSessionID {
		t.Errorf("%s = %q, want %q", SessionHeader, id, DefaultSessionID)
	}

	events := readEvents(t, resp.Body)
	var text strings.Builder
	var phrases []string
	for _, ev := range events {
		switch ev.Type {
		case turn.EventText:
			text.WriteString(ev.Content)
		case turn.EventAudioText:
			phrases = append(phrases, ev.Content)
			if len(ev.Audio) != 0 {
				t.Error("audio present without inline audio enabled")
			}
			if ev.Lang != types.LangEnglish {
				t.Errorf("lang = %q, want en", ev.Lang)
			}
		default:
			t.Errorf("unexpected event %+v", ev)
		}
	}
	if text.String() != "Hello there. How are you?" {
		t.Errorf("text = %q", text.String())
	}
	if len(phrases) != 2 || phrases[0] != "Hello there." || phrases[1] != "How are you?" {
		t.Errorf("phrases = %q", phrases)
	}

	s, ok := e.sessions.Get(DefaultSessionID)
	if !ok {
		t.Fatal("default session not created")
	}
	if got := s.History.Len(); got != 2 {
		t.Errorf("history len = %d, want 2", got)
	}
}

func TestStreamChat_InlineAudio(t *testing.T) {
	t.Parallel()

	e := newEnv(t, llmmock.TextChunks("Good morning."), all, WithInlineAudio(true))
	resp := e.post(t, "/api/stream_chat", map[string]string{"text": "hello", "language": "en"})

	var audio []turn.Event
	for _, ev := range readEvents(t, resp.Body) {
		if ev.Type == turn.EventAudioText {
			audio = append(audio, ev)
		}
	}
	if len(audio) != 1 {
		t.Fatalf("audio_text records = %d, want 1", len(audio))
	}
	if string(audio[0].Audio) != "Good morning." {
		t.Errorf("audio = %q, want the synthesized phrase", audio[0].Audio)
	}
}

func TestStreamChat_BadRequests(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, all)
	tests := []struct {
		name   string
		body   any
		header []string
	}{
		{name: "empty text", body: map[string]string{"text": "  "}},
		{name: "missing text", body: map[string]string{}},
		{name: "invalid session", body: map[string]string{"text": "hi"}, header: []string{SessionHeader, "bad id!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, "/api/stream_chat", tt.body, tt.header...)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if got := decode[errorResponse](t, resp.Body); got.Error == "" {
				t.Error("expected JSON error body")
			}
		})
	}
}

func TestStreamChat_SessionHeader(t *testing.T) {
	t.Parallel()

	e := newEnv(t, llmmock.TextChunks("Fine."), all)
	resp := e.post(t, "/api/stream_chat", map[string]string{"text": "hi", "session_id": "body"},
		SessionHeader, "header")
	_ = readEvents(t, resp.Body)

	if _, ok := e.sessions.Get("header"); !ok {
		t.Error("header session not used")
	}
	if _, ok := e.sessions.Get("body"); ok {
		t.Error("header must take precedence over body session_id")
	}
}

// ─── /api/v1/generate ────────────────────────────────────────────────────────

func TestGenerate(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, []types.Language{types.LangEnglish})

	tests := []struct {
		name   string
		body   map[string]string
		status int
		want   string
	}{
		{name: "streams pcm", body: map[string]string{"text": "Hello world.", "lang": "en"}, status: http.StatusOK, want: "Hello world."},
		{name: "defaults to english", body: map[string]string{"text": "Hello world."}, status: http.StatusOK, want: "Hello world."},
		{name: "no pool", body: map[string]string{"text": "नमस्कार", "lang": "mr"}, status: http.StatusNotFound},
		{name: "empty", body: map[string]string{"text": ""}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, "/api/v1/generate", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			if ct := resp.Header.Get("Content-Type"); ct != "audio/pcm" {
				t.Errorf("Content-Type = %q", ct)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestGenerate_StopsWhenCancelled(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, []types.Language{types.LangEnglish})

	s, _, err := e.sessions.GetOrCreate(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	s.Coordinator.OnUserSpeech()

	resp := e.post(t, "/api/v1/generate", map[string]string{"text": "Hello.", "session_id": "busy"})
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want nothing after barge-in", body)
	}
}

// ─── /api/reset and sessions ─────────────────────────────────────────────────

func TestReset_Idempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, llmmock.TextChunks("Sure."), all)
	_ = readEvents(t, e.post(t, "/api/stream_chat", map[string]string{"text": "hi", "language": "en"}).Body)

	for range 2 {
		resp := e.post(t, "/api/reset", map[string]string{})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if got := decode[statusResponse](t, resp.Body); got.Status != "ok" {
			t.Errorf("status body = %+v", got)
		}
	}
	s, _ := e.sessions.Get(DefaultSessionID)
	if s.History.Len() != 0 {
		t.Errorf("history len = %d after reset", s.History.Len())
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, all)

	created := e.post(t, "/api/sessions", nil)
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", created.StatusCode)
	}
	info := decode[session.Info](t, created.Body)
	if info.ID == "" {
		t.Fatal("created session has no id")
	}

	list := decode[[]session.Info](t, e.get(t, "/api/sessions").Body)
	if len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("list = %+v", list)
	}

	if resp := e.get(t, "/api/sessions/"+info.ID); resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	if resp := e.get(t, "/api/sessions/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", resp.StatusCode)
	}
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestProbes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, all, WithVersion("9.9.9"))

	legacy := decode[statusResponse](t, e.get(t, "/health").Body)
	if legacy.Status != "healthy" || legacy.Version != "9.9.9" {
		t.Errorf("/health = %+v", legacy)
	}
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if resp := e.get(t, path); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, all)
	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/stream_chat", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
