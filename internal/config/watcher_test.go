package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const watchBase = `
server:
  log_level: info
providers:
  llm:
    name: gemini
  tts:
    name: polly
languages:
  - code: en
    workers: 2
  - code: mr
    workers: 3
`

// watchFile is a config file whose every rewrite gets a fresh mtime, so
// change detection does not depend on filesystem timestamp granularity.
type watchFile struct {
	t     *testing.T
	path  string
	mtime time.Time
}

func newWatchFile(t *testing.T, content string) *watchFile {
	t.Helper()
	f := &watchFile{t: t, path: filepath.Join(t.TempDir(), "parley.yaml"), mtime: time.Now().Add(-time.Hour)}
	f.write(content)
	return f
}

func (f *watchFile) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", f.path, err)
	}
	f.touch()
}

func (f *watchFile) touch() {
	f.t.Helper()
	f.mtime = f.mtime.Add(time.Second)
	if err := os.Chtimes(f.path, f.mtime, f.mtime); err != nil {
		f.t.Fatalf("chtimes: %v", err)
	}
}

type change struct {
	cfg *config.Config
	d   config.ConfigDiff
}

// watch starts a watcher that never ticks on its own; tests drive Check.
func watch(t *testing.T, f *watchFile) (*config.Watcher, *[]change) {
	t.Helper()
	var got []change
	w, err := config.NewWatcher(f.path, func(cfg *config.Config, d config.ConfigDiff) {
		got = append(got, change{cfg, d})
	}, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, &got
}

func replace(s, old, new string) string {
	if !strings.Contains(s, old) {
		panic("replace: " + old + " not found")
	}
	return strings.Replace(s, old, new, 1)
}

// ─── Loading ─────────────────────────────────────────────────────────────────

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, got := watch(t, newWatchFile(t, watchBase))
	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo || len(cfg.Languages) != 2 {
		t.Fatalf("Current() = %+v", cfg)
	}
	if w.Check() || len(*got) != 0 {
		t.Error("untouched file reported a change")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	bad := newWatchFile(t, "server:\n  log_level: bananas\n")
	if _, err := config.NewWatcher(bad.path, nil); err == nil {
		t.Fatal("expected an error for an invalid file")
	}
}

// ─── Changes ─────────────────────────────────────────────────────────────────

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantApplied bool
		wantRestart bool
		wantLevel   config.LogLevel
	}{
		{"log level only", replace(watchBase, "log_level: info", "log_level: debug"), true, false, config.LogDebug},
		{"workers", replace(watchBase, "workers: 3", "workers: 4"), true, true, config.LogInfo},
		{"listen address", replace(watchBase, "log_level: info", "log_level: info\n  listen_addr: \":9000\""), true, true, config.LogInfo},
		{"comment only", "# tuned for the kitchen speaker\n" + watchBase, false, false, config.LogInfo},
		{"invalid", replace(watchBase, "log_level: info", "log_level: bananas"), false, false, config.LogInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newWatchFile(t, watchBase)
			w, got := watch(t, f)

			f.write(tt.content)
			if applied := w.Check(); applied != tt.wantApplied {
				t.Fatalf("Check() = %v, want %v", applied, tt.wantApplied)
			}
			if lvl := w.Current().Server.LogLevel; lvl != tt.wantLevel {
				t.Errorf("current log level = %q, want %q", lvl, tt.wantLevel)
			}
			if !tt.wantApplied {
				if len(*got) != 0 {
					t.Errorf("callback fired %d times", len(*got))
				}
				return
			}
			if len(*got) != 1 {
				t.Fatalf("callback fired %d times, want 1", len(*got))
			}
			c := (*got)[0]
			if c.cfg != w.Current() {
				t.Error("callback config differs from Current()")
			}
			if c.d.RestartRequired() != tt.wantRestart {
				t.Errorf("RestartRequired = %v, want %v (%+v)", c.d.RestartRequired(), tt.wantRestart, c.d)
			}
		})
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	f := newWatchFile(t, watchBase)
	w, got := watch(t, f)
	f.touch()
	if w.Check() || len(*got) != 0 {
		t.Fatal("touch without a content change was reported")
	}
}

func TestWatcher_RecoversAfterInvalidFile(t *testing.T) {
	t.Parallel()

	f := newWatchFile(t, watchBase)
	w, got := watch(t, f)

	f.write("languages: [")
	if w.Check() {
		t.Fatal("broken file applied")
	}
	if w.Check() {
		t.Fatal("broken file applied on the second look")
	}

	f.write(replace(watchBase, "log_level: info", "log_level: warn"))
	if !w.Check() || len(*got) != 1 || !(*got)[0].d.LogLevelChanged {
		t.Fatalf("fixed file not applied: %+v", *got)
	}
}

// ─── Polling ─────────────────────────────────────────────────────────────────

func TestWatcher_Polls(t *testing.T) {
	t.Parallel()

	f := newWatchFile(t, watchBase)
	fired := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(f.path, func(_ *config.Config, d config.ConfigDiff) {
		select {
		case fired <- d:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	f.write(replace(watchBase, "log_level: info", "log_level: debug"))
	select {
	case d := <-fired:
		if d.NewLogLevel != config.LogDebug {
			t.Errorf("NewLogLevel = %q", d.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not pick up the change")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, _ := watch(t, newWatchFile(t, watchBase))
	w.Stop()
	w.Stop()
}
