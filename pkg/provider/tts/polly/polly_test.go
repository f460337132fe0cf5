package polly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/parley/pkg/types"
)

type fakeClient struct {
	mu       sync.Mutex
	inputs   []*polly.SynthesizeSpeechInput
	audio    []byte
	err      error
	pages    []*polly.DescribeVoicesOutput
	describe int
}

func (f *fakeClient) SynthesizeSpeech(_ context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

func (f *fakeClient) DescribeVoices(_ context.Context, _ *polly.DescribeVoicesInput, _ ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.pages[f.describe]
	f.describe++
	return out, nil
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{audio: bytes.Repeat([]byte{7}, chunkSize+10)}
	p, err := New(WithClient(fc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), "नमस्ते।", types.VoiceProfile{ID: "Kajal", Language: types.LangHindi})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	var sizes []int
	for c := range ch {
		sizes = append(sizes, len(c))
	}
	if len(sizes) != 2 || sizes[0] != chunkSize || sizes[1] != 10 {
		t.Errorf("chunk sizes = %v, want [%d 10]", sizes, chunkSize)
	}

	in := fc.inputs[0]
	if in.OutputFormat != pollytypes.OutputFormatPcm {
		t.Errorf("OutputFormat = %q, want pcm", in.OutputFormat)
	}
	if *in.SampleRate != "16000" {
		t.Errorf("SampleRate = %q, want 16000", *in.SampleRate)
	}
	if in.LanguageCode != pollytypes.LanguageCodeHiIn {
		t.Errorf("LanguageCode = %q, want hi-IN", in.LanguageCode)
	}
	if in.Engine != pollytypes.EngineNeural {
		t.Errorf("Engine = %q, want neural", in.Engine)
	}
	if in.VoiceId != "Kajal" {
		t.Errorf("VoiceId = %q, want Kajal", in.VoiceId)
	}
}

func TestSynthesize_MarathiHasNoLanguageCode(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{audio: []byte{1, 2}}
	p, _ := New(WithClient(fc), WithEngine("standard"))
	ch, err := p.Synthesize(context.Background(), "नमस्कार", types.VoiceProfile{ID: "Aditi", Language: types.LangMarathi})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for range ch {
	}
	if fc.inputs[0].LanguageCode != "" {
		t.Errorf("LanguageCode = %q, want empty", fc.inputs[0].LanguageCode)
	}
	if fc.inputs[0].Engine != pollytypes.EngineStandard {
		t.Errorf("Engine = %q, want standard", fc.inputs[0].Engine)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	apiErr := &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	p, _ := New(WithClient(&fakeClient{err: apiErr}))

	_, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{ID: "Joanna"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "TooManyRequestsException") {
		t.Errorf("error = %q, want error code", err)
	}
	if !Retryable(err) {
		t.Error("throttling error should be retryable")
	}

	if _, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"client error", &smithy.GenericAPIError{Code: "TextLengthExceededException"}, false},
		{"server error", &smithy.GenericAPIError{Code: "ServiceFailureException"}, true},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestListVoices_Paginates(t *testing.T) {
	t.Parallel()

	next := "page2"
	fc := &fakeClient{pages: []*polly.DescribeVoicesOutput{
		{
			Voices:    []pollytypes.Voice{{Id: pollytypes.VoiceIdKajal, Name: ptr("Kajal"), LanguageCode: pollytypes.LanguageCodeEnIn}},
			NextToken: &next,
		},
		{
			Voices: []pollytypes.Voice{{Id: pollytypes.VoiceIdAditi, Name: ptr("Aditi"), LanguageCode: pollytypes.LanguageCodeHiIn}},
		},
	}}
	p, _ := New(WithClient(fc))

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Language != types.LangEnglish || voices[1].Language != types.LangHindi {
		t.Errorf("languages = %q, %q", voices[0].Language, voices[1].Language)
	}
	if voices[1].Provider != "polly" {
		t.Errorf("provider = %q, want polly", voices[1].Provider)
	}
}
