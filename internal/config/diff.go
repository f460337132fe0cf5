package config

import (
	"reflect"

	"github.com/MrWong99/parley/pkg/types"
)

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; everything else is reported so the
// operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguagesChanged bool
	LanguageChanges  []LanguageDiff // per-language diffs

	ProvidersChanged bool
	TurnChanged      bool
	VADChanged       bool
	HistoryChanged   bool

	// ServerChanged covers every server key except log_level.
	ServerChanged bool
}

// LanguageDiff describes what changed for a single language between two
// configs.
type LanguageDiff struct {
	Code                types.Language
	WorkersChanged      bool
	CommitFramesChanged bool
	VoiceChanged        bool
	Added               bool
	Removed             bool
}

// RestartRequired reports whether any change needs a restart to take effect.
func (d ConfigDiff) RestartRequired() bool {
	return d.LanguagesChanged || d.ProvidersChanged || d.TurnChanged || d.VADChanged || d.HistoryChanged || d.ServerChanged
}

// Empty reports whether the two configs behave identically.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RestartRequired()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.TurnChanged = !reflect.DeepEqual(old.Turn, new.Turn) || old.Interrupt != new.Interrupt
	d.VADChanged = old.VAD != new.VAD
	d.HistoryChanged = old.History != new.History

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.ServerChanged = !reflect.DeepEqual(oldServer, newServer)

	// Build language lookup maps keyed by code.
	oldLangs := make(map[types.Language]*LanguageConfig, len(old.Languages))
	for i := range old.Languages {
		oldLangs[old.Languages[i].Code] = &old.Languages[i]
	}
	newLangs := make(map[types.Language]*LanguageConfig, len(new.Languages))
	for i := range new.Languages {
		newLangs[new.Languages[i].Code] = &new.Languages[i]
	}

	// Detect modified and removed languages.
	for code, oldLang := range oldLangs {
		newLang, exists := newLangs[code]
		if !exists {
			d.LanguageChanges = append(d.LanguageChanges, LanguageDiff{
				Code:    code,
				Removed: true,
			})
			d.LanguagesChanged = true
			continue
		}
		ld := diffLanguage(code, oldLang, newLang)
		if ld.WorkersChanged || ld.CommitFramesChanged || ld.VoiceChanged {
			d.LanguageChanges = append(d.LanguageChanges, ld)
			d.LanguagesChanged = true
		}
	}

	// Detect added languages.
	for code := range newLangs {
		if _, exists := oldLangs[code]; !exists {
			d.LanguageChanges = append(d.LanguageChanges, LanguageDiff{
				Code:  code,
				Added: true,
			})
			d.LanguagesChanged = true
		}
	}

	return d
}

// diffLanguage compares two language configs with the same code.
func diffLanguage(code types.Language, old, new *LanguageConfig) LanguageDiff {
	ld := LanguageDiff{Code: code}

	if old.Workers != new.Workers {
		ld.WorkersChanged = true
	}

	if old.CommitFrames != new.CommitFrames {
		ld.CommitFramesChanged = true
	}

	if old.Voice != new.Voice || !reflect.DeepEqual(old.TTS, new.TTS) {
		ld.VoiceChanged = true
	}

	return ld
}
