// Package coqui synthesizes through a self-hosted HTTP speech server. Three
// server dialects are spoken:
//
//   - [APIModeStandard]: the Coqui TTS server, GET /api/tts, voices from
//     GET /details.
//   - [APIModeXTTS]: the XTTS v2 API server, POST /tts_to_audio/, voices from
//     GET /studio_speakers. A voice ID is mandatory.
//   - [APIModePiper]: the Piper HTTP server, POST /, voices from GET /voices.
//     Piper ships one model per language, so voices usually differ per
//     language ("hi_IN-pratham-medium").
//
// Every dialect answers one request with a whole WAV file. The payload is
// converted to 16 kHz mono and handed out in small chunks, which lets a
// pool worker stop between chunks on barge-in.
package coqui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	chunkBytes      = 4096
)

// APIMode names a server dialect.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
	APIModePiper    APIMode = "piper"
)

// dialect is one server's request and catalogue format.
type dialect interface {
	synthesis(ctx context.Context, base, text, lang string, voice types.VoiceProfile) (*http.Request, error)
	voicesPath() string
	voices(body io.Reader) ([]types.VoiceProfile, error)
}

var dialects = map[APIMode]dialect{
	APIModeStandard: standard{},
	APIModeXTTS:     xtts{},
	APIModePiper:    piper{},
}

type Option func(*Provider)

// WithLanguage is sent when a voice profile has no language. Default "en".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithTimeout bounds each HTTP request. Default 30s.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

// WithAPIMode selects the server dialect. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option { return func(p *Provider) { p.mode = mode } }

// WithOutputFormat overrides the format audio is converted to. A zero
// SampleRate or Channels keeps the server's value for that field.
func WithOutputFormat(f audio.Format) Option { return func(p *Provider) { p.output = f } }

type Provider struct {
	baseURL  string
	language string
	mode     APIMode
	dialect  dialect
	output   audio.Format
	client   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a provider for the server at baseURL, e.g.
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: server url is empty")
	}
	p := &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		output:   audio.Mic,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	d, ok := dialects[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	p.dialect = d
	return p, nil
}

// Synthesize fetches and decodes the whole phrase before returning, so
// server failures surface as the error rather than as silence.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text is empty")
	}
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, errors.New("coqui: xtts needs a voice id")
	}
	lang := string(voice.Language)
	if lang == "" {
		lang = p.language
	}
	req, err := p.dialect.synthesis(ctx, p.baseURL, text, lang, voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	wav, err := p.do(req)
	if err != nil {
		return nil, err
	}
	pcm, err := p.decode(wav)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		tts.Chunk(ctx, out, pcm, chunkBytes)
	}()
	return out, nil
}

func (p *Provider) decode(wav []byte) ([]byte, error) {
	pcm, src, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	target := p.output
	if target.SampleRate == 0 {
		target.SampleRate = src.SampleRate
	}
	if target.Channels == 0 {
		target.Channels = src.Channels
	}
	return audio.Convert(pcm, src, target), nil
}

// ListVoices returns the server's catalogue in a stable order.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+p.dialect.voicesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	voices, err := p.dialect.voices(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: decode %s: %w", req.URL.Path, err)
	}
	return voices, nil
}

// do runs req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: read body: %w", req.Method, req.URL.Path, err)
	}
	return body, nil
}
