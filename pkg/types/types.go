// Package types defines the shared types used across all parley packages.
//
// These types form the lingua franca between providers, the turn engine, the
// session layer and the transport. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"strings"
	"time"
)

// Language is a conversation language tag. The engine understands English,
// Hindi and Marathi; other tags are carried through but never selected by
// detection.
type Language string

const (
	// LangEnglish is English in Latin script.
	LangEnglish Language = "en"

	// LangHindi is Hindi in Devanagari script.
	LangHindi Language = "hi"

	// LangMarathi is Marathi in Devanagari script.
	LangMarathi Language = "mr"
)

// SupportedLanguages lists every language the engine can lock a turn to.
var SupportedLanguages = []Language{LangEnglish, LangHindi, LangMarathi}

// ParseLanguage normalises s (case and surrounding space) and reports whether
// it names a supported language.
func ParseLanguage(s string) (Language, bool) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	for _, sl := range SupportedLanguages {
		if l == sl {
			return l, true
		}
	}
	return "", false
}

// IsSupported reports whether l is one of [SupportedLanguages].
func (l Language) IsSupported() bool {
	_, ok := ParseLanguage(string(l))
	return ok
}

// DisplayName returns the English name of the language, e.g. "Marathi".
func (l Language) DisplayName() string {
	switch l {
	case LangEnglish:
		return "English"
	case LangHindi:
		return "Hindi"
	case LangMarathi:
		return "Marathi"
	default:
		return strings.ToUpper(string(l))
	}
}

// Role identifies the speaker of a conversation history entry.
type Role string

const (
	// RoleUser marks text spoken by the human.
	RoleUser Role = "User"

	// RoleAgent marks text generated by the assistant.
	RoleAgent Role = "Agent"
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// The transport delivers frames as raw little-endian int16 PCM; the sample rate
// is a channel-level contract and is carried here only for conversion helpers.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (16000 on the microphone channel).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was received, relative to stream start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile describes a TTS voice configuration for one language.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the language this voice speaks. Providers that support
	// multilingual models use it to select the language code.
	Language Language

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
