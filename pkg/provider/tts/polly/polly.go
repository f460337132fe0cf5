// Package polly provides an Amazon Polly-backed TTS provider. It implements
// the tts.Provider interface.
//
// Polly is asked for raw 16 kHz PCM so no WAV or MP3 decoding is needed; the
// audio stream is relayed in fixed-size chunks as it is read from the
// response body. Polly's bilingual Indian voices (e.g. "Kajal") speak both
// English and Hindi; the language code is derived from the voice profile.
// Marathi has no Polly voice and is sent without a language code.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultRegion = "us-east-1"
	defaultEngine = "neural"
	sampleRate    = "16000"
	chunkSize     = 4096
)

// languageCodes maps engine languages to Polly language codes.
var languageCodes = map[types.Language]pollytypes.LanguageCode{
	types.LangEnglish: pollytypes.LanguageCodeEnIn,
	types.LangHindi:   pollytypes.LanguageCodeHiIn,
}

// synthClient is the subset of *polly.Client used by the provider.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
	DescribeVoices(ctx context.Context, params *polly.DescribeVoicesInput, optFns ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error)
}

// Option is a functional option for configuring the Polly Provider.
type Option func(*Provider)

// WithRegion sets the AWS region. Defaults to "us-east-1".
func WithRegion(region string) Option {
	return func(p *Provider) { p.region = region }
}

// WithEngine selects "neural" (default) or "standard".
func WithEngine(engine string) Option {
	return func(p *Provider) { p.engine = engine }
}

// WithClient injects a pre-built client, bypassing AWS config loading.
func WithClient(c synthClient) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements tts.Provider backed by Amazon Polly.
type Provider struct {
	region string
	engine string

	mu     sync.Mutex
	client synthClient
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Polly Provider. The AWS client is created lazily on first use
// from the default credential chain.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{region: defaultRegion, engine: defaultEngine}
	for _, o := range opts {
		o(p)
	}
	if p.region == "" {
		return nil, errors.New("polly: region must not be empty")
	}
	return p, nil
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(cfg)
	return p.client, nil
}

func (p *Provider) engineType() pollytypes.Engine {
	if strings.EqualFold(p.engine, "standard") {
		return pollytypes.EngineStandard
	}
	return pollytypes.EngineNeural
}

// Synthesize requests 16 kHz PCM for text and streams the response body on the
// returned channel.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("polly: voice.ID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("polly: text must not be empty")
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	in := &polly.SynthesizeSpeechInput{
		Engine:       p.engineType(),
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   ptr(sampleRate),
		Text:         ptr(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice.ID),
	}
	if code, ok := languageCodes[voice.Language]; ok {
		in.LanguageCode = code
	}

	out, err := client.SynthesizeSpeech(ctx, in)
	if err != nil {
		return nil, wrapError("synthesize", err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly: synthesize: empty audio stream")
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		defer out.AudioStream.Close()
		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(out.AudioStream, buf)
			if n > 0 {
				select {
				case audioCh <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices returns the Polly voices supporting the configured engine.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	var (
		profiles []types.VoiceProfile
		token    *string
	)
	for {
		out, err := client.DescribeVoices(ctx, &polly.DescribeVoicesInput{
			Engine:    p.engineType(),
			NextToken: token,
		})
		if err != nil {
			return nil, wrapError("describe voices", err)
		}
		for _, v := range out.Voices {
			profiles = append(profiles, types.VoiceProfile{
				ID:       string(v.Id),
				Name:     deref(v.Name),
				Provider: "polly",
				Language: languageOf(v.LanguageCode),
				Metadata: map[string]string{
					"language_code": string(v.LanguageCode),
					"gender":        string(v.Gender),
				},
			})
		}
		if out.NextToken == nil || *out.NextToken == "" {
			return profiles, nil
		}
		token = out.NextToken
	}
}

func languageOf(code pollytypes.LanguageCode) types.Language {
	for l, c := range languageCodes {
		if c == code {
			return l
		}
	}
	prefix, _, _ := strings.Cut(string(code), "-")
	l, _ := types.ParseLanguage(prefix)
	return l
}

// Retryable reports whether err is a throttling or server-side Polly failure
// worth retrying on another attempt.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException", "ValidationException":
			return false
		}
		return true
	}
	return true
}

func wrapError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly: %s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("polly: %s: %w", op, err)
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
