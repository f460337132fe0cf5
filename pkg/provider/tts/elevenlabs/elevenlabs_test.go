package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/types"
)

// session is what the fake server saw from one client socket.
type session struct {
	query url.Values
	msgs  []json.RawMessage
}

// fakeServer reads client messages up to end-of-input, then answers with
// replies. Each reply is sent as is.
func fakeServer(t *testing.T, replies ...serverMessage) (*httptest.Server, <-chan session) {
	t.Helper()
	seen := make(chan session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		s := session{query: r.URL.Query()}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			s.msgs = append(s.msgs, data)
			var m textMessage
			if json.Unmarshal(data, &m) == nil && m.Text == "" {
				break
			}
		}
		seen <- s
		for _, reply := range replies {
			data, _ := json.Marshal(reply)
			if conn.Write(ctx, websocket.MessageText, data) != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func audio(pcm ...byte) serverMessage {
	return serverMessage{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func readAll(ch <-chan []byte) []byte {
	var out []byte
	for c := range ch {
		out = append(out, c...)
	}
	return out
}

// ─── Synthesize ──────────────────────────────────────────────────────────────

func TestSynthesize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		replies []serverMessage
		want    []byte
	}{
		{"final marker", []serverMessage{audio(1, 2), audio(3, 4), {IsFinal: true}}, []byte{1, 2, 3, 4}},
		{"stops at final", []serverMessage{audio(1, 2), {IsFinal: true}, audio(9, 9)}, []byte{1, 2}},
		{"server error truncates", []serverMessage{audio(1, 2), {Error: "quota_exceeded"}, audio(3, 4)}, []byte{1, 2}},
		{"socket close ends", []serverMessage{audio(5, 6)}, []byte{5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := fakeServer(t, tt.replies...)
			p, err := New("key", WithBaseURL(wsURL(srv)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ch, err := p.Synthesize(ctx, "Namaskar.", types.VoiceProfile{ID: "v1"})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if got := readAll(ch); string(got) != string(tt.want) {
				t.Errorf("pcm = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSynthesize_Handshake(t *testing.T) {
	t.Parallel()

	srv, seen := fakeServer(t, serverMessage{IsFinal: true})
	p, _ := New("key", WithBaseURL(wsURL(srv)))
	ch, err := p.Synthesize(context.Background(), "Hello there.", types.VoiceProfile{ID: "v1", Language: types.LangHindi, SpeedFactor: 1.2})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	readAll(ch)
	s := <-seen

	for key, want := range map[string]string{"model_id": defaultModel, "output_format": defaultOutputFmt, "language_code": "hi"} {
		if got := s.query.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if len(s.msgs) != 3 {
		t.Fatalf("client sent %d messages, want 3", len(s.msgs))
	}
	var open openMessage
	if err := json.Unmarshal(s.msgs[0], &open); err != nil {
		t.Fatalf("opening message: %v", err)
	}
	if open.APIKey != "key" || open.Text != " " || open.Settings.Speed != 1.2 {
		t.Errorf("opening message = %+v", open)
	}
	var text textMessage
	if err := json.Unmarshal(s.msgs[1], &text); err != nil {
		t.Fatalf("text message: %v", err)
	}
	if text.Text != "Hello there. " || !text.Flush {
		t.Errorf("text message = %+v, want the flushed phrase", text)
	}
}

func TestSynthesize_Rejects(t *testing.T) {
	t.Parallel()

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	tests := []struct {
		name  string
		base  string
		text  string
		voice string
	}{
		{"no voice", "", "Hi.", ""},
		{"blank text", "", "  ", "v"},
		{"dial fails", notFound.URL, "Hi.", "v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.base != "" {
				opts = append(opts, WithBaseURL(tt.base))
			}
			p, _ := New("key", opts...)
			if _, err := p.Synthesize(context.Background(), tt.text, types.VoiceProfile{ID: tt.voice}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	u := p.streamURL(types.VoiceProfile{ID: "voice abc"})
	if !strings.HasPrefix(u, defaultWSBase+"/voice%20abc/stream-input?") {
		t.Errorf("url = %s", u)
	}
	if !strings.Contains(u, "model_id=eleven_multilingual_v2") || !strings.Contains(u, "output_format=pcm_24000") {
		t.Errorf("url ignores options: %s", u)
	}
	if strings.Contains(u, "language_code") {
		t.Errorf("url has a language_code without a voice language: %s", u)
	}
}

// ─── Voices ──────────────────────────────────────────────────────────────────

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"a","name":"Asha","labels":{"language":"mr"}}]}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithVoicesURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Language != types.LangMarathi || voices[0].Provider != "elevenlabs" {
		t.Errorf("voices = %+v", voices)
	}

	bad, _ := New("wrong", WithVoicesURL(srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want the 401 status", err)
	}
}

func TestDecodeVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantN    int
		wantMeta map[string]string
		wantErr  bool
	}{
		{
			name:     "labels and category",
			body:     `{"voices":[{"voice_id":"abc","name":"Rachel","category":"premade","labels":{"gender":"female"}},{"voice_id":"def","name":"Adam"}]}`,
			wantN:    2,
			wantMeta: map[string]string{"gender": "female", "category": "premade"},
		},
		{name: "no labels", body: `{"voices":[{"voice_id":"x","name":"Ghost","labels":null}]}`, wantN: 1, wantMeta: map[string]string{}},
		{name: "empty", body: `{"voices":[]}`},
		{name: "broken", body: `{invalid`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeVoices(strings.NewReader(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(got) != tt.wantN {
				t.Fatalf("got %d voices, want %d", len(got), tt.wantN)
			}
			if tt.wantN == 0 {
				return
			}
			meta := got[0].Metadata
			if len(meta) != len(tt.wantMeta) {
				t.Errorf("metadata = %v, want %v", meta, tt.wantMeta)
			}
			for k, v := range tt.wantMeta {
				if meta[k] != v {
					t.Errorf("metadata[%s] = %q, want %q", k, meta[k], v)
				}
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("empty api key accepted")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt || p.wsBase != defaultWSBase {
		t.Errorf("defaults = %q %q %q", p.model, p.outputFormat, p.wsBase)
	}
}
