package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/triviahost/internal/config"
)

const (
	volcanoesYAML = `
server:
  log_level: info
game:
  topic: volcanoes
`
	glaciersYAML = `
server:
  log_level: debug
game:
  topic: glaciers
`
	invalidLevelYAML = `
server:
  log_level: bananas
`
)

// writeConfig writes content to path and moves its mtime forward by step so
// that consecutive writes are distinguishable on coarse-grained filesystems.
func writeConfig(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	mt := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// change records ChangeFunc invocations.
type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

func newWatched(t *testing.T, content string, opts ...config.WatcherOption) (string, *config.Watcher, *[]change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content, 0)
	var changes []change
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes = append(changes, change{old, new, d})
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w, &changes
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := newWatched(t, volcanoesYAML)
	if cfg := w.Current(); cfg == nil || cfg.Game.Topic != "volcanoes" {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeConfig(t, path, invalidLevelYAML, 0)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid file")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	t.Run("content change", func(t *testing.T) {
		t.Parallel()
		path, w, changes := newWatched(t, volcanoesYAML)
		writeConfig(t, path, glaciersYAML, 2)

		if !w.Check() {
			t.Fatal("Check() = false, want true")
		}
		if len(*changes) != 1 {
			t.Fatalf("callbacks = %d, want 1", len(*changes))
		}
		c := (*changes)[0]
		if c.old.Game.Topic != "volcanoes" || c.new.Game.Topic != "glaciers" {
			t.Errorf("old/new topics = %q/%q", c.old.Game.Topic, c.new.Game.Topic)
		}
		if !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v", c.diff)
		}
		if len(c.diff.RestartRequired) != 1 || c.diff.RestartRequired[0] != "game" {
			t.Errorf("RestartRequired = %v, want [game]", c.diff.RestartRequired)
		}
		if got := w.Current().Server.LogLevel; got != config.LogDebug {
			t.Errorf("Current() log_level = %q, want debug", got)
		}
	})

	t.Run("unchanged file", func(t *testing.T) {
		t.Parallel()
		_, w, changes := newWatched(t, volcanoesYAML)
		if w.Check() || len(*changes) != 0 {
			t.Errorf("Check() on untouched file reported a change")
		}
	})

	t.Run("touch without content change", func(t *testing.T) {
		t.Parallel()
		path, w, changes := newWatched(t, volcanoesYAML)
		writeConfig(t, path, volcanoesYAML, 3)
		if w.Check() || len(*changes) != 0 {
			t.Errorf("Check() after touch reported a change")
		}
		// The new mtime is remembered: a second check does not re-read.
		if w.Check() {
			t.Error("second Check() reported a change")
		}
	})

	t.Run("invalid file keeps old config", func(t *testing.T) {
		t.Parallel()
		path, w, changes := newWatched(t, volcanoesYAML)
		writeConfig(t, path, invalidLevelYAML, 2)
		if w.Check() || len(*changes) != 0 {
			t.Error("invalid file was adopted")
		}
		if got := w.Current().Server.LogLevel; got != config.LogInfo {
			t.Errorf("Current() log_level = %q, want info", got)
		}

		// Fixing the file is picked up.
		writeConfig(t, path, glaciersYAML, 4)
		if !w.Check() {
			t.Error("fixed file was not adopted")
		}
	})

	t.Run("deleted file keeps old config", func(t *testing.T) {
		t.Parallel()
		path, w, _ := newWatched(t, volcanoesYAML)
		if err := os.Remove(path); err != nil {
			t.Fatal(err)
		}
		if w.Check() {
			t.Error("Check() on deleted file reported a change")
		}
		if w.Current().Game.Topic != "volcanoes" {
			t.Error("config lost after file deletion")
		}
	})
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, volcanoesYAML, 0)

	reloaded := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config, _ config.ConfigDiff) {
		reloaded <- new
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, path, glaciersYAML, 2)
	select {
	case cfg := <-reloaded:
		if cfg.Game.Topic != "glaciers" {
			t.Errorf("reloaded topic = %q, want glaciers", cfg.Game.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the change")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
