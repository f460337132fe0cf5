package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	historymock "github.com/MrWong99/parley/internal/history/mock"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// testConfig returns a minimal config with two languages for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Languages: []config.LanguageConfig{
			{Code: types.LangEnglish, Workers: 1, CommitFrames: 20},
			{Code: types.LangMarathi, Workers: 2, CommitFrames: 35, Voice: config.VoiceConfig{VoiceID: "Kajal"}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers for every slot.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		VAD: &vadmock.Engine{},
		TTS: &ttsmock.Provider{},
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	application, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return application
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func readyz(t *testing.T, h http.Handler) (int, readyBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readyBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	return rec.Code, body
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       *config.Config
		providers *app.Providers
	}{
		{"nil config", nil, testProviders()},
		{"nil providers", testConfig(), nil},
		{"no llm", testConfig(), &app.Providers{VAD: &vadmock.Engine{}}},
		{"no vad", testConfig(), &app.Providers{LLM: &llmmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(context.Background(), tt.cfg, tt.providers); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	application := newApp(t, testConfig(), testProviders(), app.WithVersion("9.9.9"))
	h := application.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if health.Version != "9.9.9" {
		t.Errorf("version = %q, want 9.9.9", health.Version)
	}

	code, body := readyz(t, h)
	if code != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200 (checks %v)", code, body.Checks)
	}
	if body.Checks["tts_pools"] != "ok" || body.Checks["providers"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
	if _, ok := body.Checks["history"]; ok {
		t.Error("history check should be absent without a durable store")
	}
}

func TestNew_LanguageTTSOverride(t *testing.T) {
	t.Parallel()

	mrTTS := &ttsmock.Provider{}
	providers := testProviders()
	providers.TTS = nil
	providers.LanguageTTS = map[types.Language]tts.Provider{types.LangMarathi: mrTTS}

	application := newApp(t, testConfig(), providers)

	// Only mr has a provider, so only its pool runs.
	code, body := readyz(t, application.Handler())
	if code != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200 (checks %v)", code, body.Checks)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", jsonBody(t, map[string]string{"text": "hello", "lang": "en"}))
	application.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("generate en status = %d, want 404", rec.Code)
	}
}

func TestNew_NoTTSNotReady(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.TTS = nil
	application := newApp(t, testConfig(), providers)

	code, body := readyz(t, application.Handler())
	if code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503", code)
	}
	if body.Checks["tts_pools"] == "ok" {
		t.Errorf("tts_pools check = %q, want failure", body.Checks["tts_pools"])
	}
}

func TestNew_HistoryStoreDegraded(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{LoadErr: errors.New("db down")}
	application := newApp(t, testConfig(), testProviders(), app.WithHistoryStore(store))
	h := application.Handler()

	code, body := readyz(t, h)
	if code != http.StatusOK || body.Checks["history"] != "ok" {
		t.Fatalf("before any load: status %d, checks %v", code, body.Checks)
	}

	// Creating a session hydrates history, which fails against the store.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", rec.Code)
	}
	if store.CallCount("Load") != 1 {
		t.Errorf("Load calls = %d, want 1", store.CallCount("Load"))
	}

	code, body = readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("after failed load: status %d, want 503", code)
	}
	if body.Checks["history"] == "ok" {
		t.Error("history check should fail while the store is degraded")
	}
}

func TestNew_AllLLMCircuitsOpenNotReady(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	fb := resilience.NewLLMFallback(&llmmock.Provider{StreamErr: errors.New("down")}, "gemini",
		resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})
	providers.LLM = fb
	application := newApp(t, testConfig(), providers)

	if code, _ := readyz(t, application.Handler()); code != http.StatusOK {
		t.Fatalf("healthy chain: /readyz status = %d, want 200", code)
	}
	_, _ = fb.StreamCompletion(context.Background(), llm.CompletionRequest{})

	code, body := readyz(t, application.Handler())
	if code != http.StatusServiceUnavailable || body.Checks["providers"] == "ok" {
		t.Fatalf("open chain: status %d, checks %v", code, body.Checks)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	application := newApp(t, testConfig(), testProviders(), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became reachable: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// A second call is a no-op.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	application := newApp(t, testConfig(), testProviders())
	if _, _, err := application.Sessions().GetOrCreate(context.Background(), "caller-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got := application.Sessions().Len(); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := application.Sessions().Len(); got != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", got)
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()

	application := newApp(t, testConfig(), testProviders())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := application.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
}
