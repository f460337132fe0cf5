// Package elevenlabs synthesizes phrases through the ElevenLabs
// stream-input WebSocket.
//
// A phrase gets its own socket: the client sends an opening message with the
// key and voice settings, the phrase flushed, then an empty end-of-input
// message, and relays PCM until the server marks the last chunk. The flash and
// turbo v2.5 models take a language code, which comes from the voice profile.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultVoicesURL = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"

	// pcm_16000 is what the rest of the engine speaks, so no resampling.
	defaultOutputFmt = "pcm_16000"
)

type Option func(*Provider)

// WithModel selects the model ID, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat selects the PCM format, e.g. "pcm_24000". Anything other
// than pcm_16000 has to be resampled by the caller.
func WithOutputFormat(format string) Option { return func(p *Provider) { p.outputFormat = format } }

// WithBaseURL replaces the socket base; "/{voice}/stream-input" is appended.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.wsBase = strings.TrimRight(u, "/") }
}

// WithVoicesURL replaces the voice catalogue endpoint.
func WithVoicesURL(u string) Option { return func(p *Provider) { p.voicesURL = u } }

// WithLogger receives server-side synthesis errors, which otherwise only
// show up as a truncated phrase.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.log = l } }

type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	voicesURL    string
	client       *http.Client
	log          *slog.Logger
}

var _ tts.Provider = (*Provider)(nil)

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		voicesURL:    defaultVoicesURL,
		client:       http.DefaultClient,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// openMessage starts the input stream. The API rejects an empty first text.
type openMessage struct {
	Text     string   `json:"text"`
	Settings settings `json:"voice_settings"`
	APIKey   string   `json:"xi_api_key"`
}

type settings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// textMessage carries the phrase; an empty Text ends the input.
type textMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type serverMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Synthesize streams the PCM of text in voice. The channel closes after the
// final chunk, on a server error or socket close, or when ctx ends.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text is empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	open := openMessage{Text: " ", Settings: settings{Stability: 0.5, SimilarityBoost: 0.75}, APIKey: p.apiKey}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		open.Settings.Speed = voice.SpeedFactor
	}
	for _, m := range []any{open, textMessage{Text: text + " ", Flush: true}, textMessage{}} {
		data, err := json.Marshal(m)
		if err == nil {
			err = conn.Write(ctx, websocket.MessageText, data)
		}
		if err != nil {
			conn.Close(websocket.StatusInternalError, "send failed")
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	out := make(chan []byte, 16)
	go p.relay(ctx, conn, voice.ID, out)
	return out, nil
}

func (p *Provider) relay(ctx context.Context, conn *websocket.Conn, voiceID string, out chan<- []byte) {
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg serverMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Error != "" {
			p.log.Warn("elevenlabs: synthesis failed", "voice", voiceID, "error", msg.Error, "message", msg.Message)
			return
		}
		if pcm, err := base64.StdEncoding.DecodeString(msg.Audio); err == nil && len(pcm) > 0 {
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if msg.IsFinal {
			return
		}
	}
}

func (p *Provider) streamURL(voice types.VoiceProfile) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.outputFormat}}
	if voice.Language != "" {
		q.Set("language_code", string(voice.Language))
	}
	return p.wsBase + "/" + url.PathEscape(voice.ID) + "/stream-input?" + q.Encode()
}

// ListVoices returns the voices the API key can use. A voice's language
// comes from its "language" label when it names a supported language.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: status %d", resp.StatusCode)
	}
	return decodeVoices(resp.Body)
}

func decodeVoices(r io.Reader) ([]types.VoiceProfile, error) {
	var body struct {
		Voices []struct {
			ID       string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	out := make([]types.VoiceProfile, 0, len(body.Voices))
	for _, v := range body.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		lang, _ := types.ParseLanguage(v.Labels["language"])
		out = append(out, types.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Language: lang, Metadata: meta})
	}
	return out, nil
}
