package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

var marathi = types.VoiceProfile{ID: "Aditi", Language: types.LangMarathi}

func newTTSChain(primary, secondary *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("polly", secondary)
	return fb
}

func pcm(ch <-chan []byte) string {
	var out []byte
	for c := range ch {
		out = append(out, c...)
	}
	return string(out)
}

// ─── Synthesize ──────────────────────────────────────────────────────────────

func TestTTSFallback_Synthesize(t *testing.T) {
	t.Parallel()

	down := errors.New("elevenlabs: dial: 502")
	tests := []struct {
		name         string
		primaryErr   error
		secondaryErr error
		want         string
		wantErr      error
	}{
		{"primary serves", nil, nil, "namaskar", nil},
		{"fails over", down, nil, "fallback", nil},
		{"all fail", down, errors.New("polly: throttled"), "", ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &ttsmock.Provider{Err: tt.primaryErr}
			secondary := &ttsmock.Provider{Err: tt.secondaryErr, Chunks: [][]byte{[]byte("fall"), []byte("back")}}

			ch, err := newTTSChain(primary, secondary).Synthesize(context.Background(), "namaskar", marathi)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				if got := pcm(ch); got != tt.want {
					t.Errorf("audio = %q, want %q", got, tt.want)
				}
			}
			calls := primary.Calls()
			if len(calls) != 1 || calls[0].Voice.ID != marathi.ID || calls[0].Text != "namaskar" {
				t.Errorf("primary calls = %+v", calls)
			}
		})
	}
}

func TestTTSFallback_BargeInDoesNotFailOver(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{Err: context.Canceled}
	secondary := &ttsmock.Provider{}
	fb := newTTSChain(primary, secondary)

	for range 3 {
		if _, err := fb.Synthesize(context.Background(), "ruko", marathi); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("fallback synthesized %d phrases", n)
	}
	if st := fb.Status(); st[0].State != StateClosed {
		t.Errorf("primary breaker = %v, want closed", st[0].State)
	}
}

func TestTTSFallback_Healthy(t *testing.T) {
	t.Parallel()

	fb := newTTSChain(&ttsmock.Provider{Err: errTest}, &ttsmock.Provider{Err: errTest})
	for range 2 {
		_, _ = fb.Synthesize(context.Background(), "hello", marathi)
	}
	if fb.Healthy() {
		t.Errorf("Healthy() = true with %+v", fb.Status())
	}
}

// ─── ListVoices ──────────────────────────────────────────────────────────────

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	fb := newTTSChain(
		&ttsmock.Provider{VoicesErr: errors.New("elevenlabs: 401")},
		&ttsmock.Provider{Voices: []types.VoiceProfile{{ID: "Kajal", Language: types.LangHindi}, {ID: "Joanna", Language: types.LangEnglish}}},
	)
	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "Kajal" {
		t.Errorf("voices = %+v", voices)
	}
}
