package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

func postJSON(ctx context.Context, u string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func profile(id string, lang types.Language, meta map[string]string) types.VoiceProfile {
	return types.VoiceProfile{ID: id, Name: id, Provider: "coqui", Language: lang, Metadata: meta}
}

// ─── standard ────────────────────────────────────────────────────────────────

type standard struct{}

func (standard) synthesis(ctx context.Context, base, text, lang string, voice types.VoiceProfile) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if lang != "" {
		q.Set("language_id", lang)
	}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tts?"+q.Encode(), nil)
}

func (standard) voicesPath() string { return "/details" }

// voices lists one profile per speaker of a multi-speaker model, or the
// model itself when it has a single speaker.
func (standard) voices(body io.Reader) ([]types.VoiceProfile, error) {
	var d struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(body).Decode(&d); err != nil {
		return nil, err
	}
	lang, _ := types.ParseLanguage(d.Language)
	if len(d.Speakers) == 0 {
		name := d.ModelName
		if name == "" {
			name = "default"
		}
		return []types.VoiceProfile{profile(name, lang, map[string]string{"type": "single-speaker", "model_name": name})}, nil
	}
	speakers := slices.Sorted(slices.Values(d.Speakers))
	out := make([]types.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		out = append(out, profile(s, lang, map[string]string{"type": "speaker", "model_name": d.ModelName}))
	}
	return out, nil
}

// ─── xtts ────────────────────────────────────────────────────────────────────

type xtts struct{}

func (xtts) synthesis(ctx context.Context, base, text, lang string, voice types.VoiceProfile) (*http.Request, error) {
	return postJSON(ctx, base+"/tts_to_audio/", struct {
		Text       string `json:"text"`
		SpeakerWav string `json:"speaker_wav"`
		Language   string `json:"language"`
	}{text, voice.ID, lang})
}

func (xtts) voicesPath() string { return "/studio_speakers" }

func (xtts) voices(body io.Reader) ([]types.VoiceProfile, error) {
	return keyedVoices(body, "studio", func(string) types.Language { return "" })
}

// ─── piper ───────────────────────────────────────────────────────────────────

type piper struct{}

// synthesis maps SpeedFactor onto Piper's inverse length scale.
func (piper) synthesis(ctx context.Context, base, text, _ string, voice types.VoiceProfile) (*http.Request, error) {
	body := struct {
		Text        string  `json:"text"`
		Voice       string  `json:"voice,omitempty"`
		LengthScale float64 `json:"length_scale,omitempty"`
	}{Text: text, Voice: voice.ID}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		body.LengthScale = 1 / voice.SpeedFactor
	}
	return postJSON(ctx, base+"/", body)
}

func (piper) voicesPath() string { return "/voices" }

func (piper) voices(body io.Reader) ([]types.VoiceProfile, error) {
	return keyedVoices(body, "piper", piperLanguage)
}

// piperLanguage reads the locale prefix of a model name such as
// "mr_IN-model-medium".
func piperLanguage(name string) types.Language {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return ""
	}
	l, _ := types.ParseLanguage(prefix)
	return l
}

// keyedVoices decodes a JSON object keyed by voice name.
func keyedVoices(body io.Reader, kind string, lang func(string) types.Language) ([]types.VoiceProfile, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]types.VoiceProfile, 0, len(raw))
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		out = append(out, profile(name, lang(name), map[string]string{"type": kind}))
	}
	return out, nil
}
