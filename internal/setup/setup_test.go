package setup

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/stagehand/internal/doctor"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "test", logging.LevelError)
}

func TestRun_ProvisionsEverything(t *testing.T) {
	stateRoot := filepath.Join(t.TempDir(), "state")
	scratchRoot := filepath.Join(t.TempDir(), "scratch")
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	err := Run(Options{
		StateRoot:   stateRoot,
		ScratchRoot: scratchRoot,
		WatcherID:   "studio-a",
		ConfigPath:  configPath,
	}, testLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Store contract complete.
	layout := store.NewLayout(model.PathsConfig{
		StateRoot: stateRoot,
		FlagsRoot: stateRoot + "/flags",
	})
	if err := layout.RequireLayout(); err != nil {
		t.Errorf("store layout incomplete: %v", err)
	}
	for _, extra := range []string{stateRoot + "/logs", stateRoot + "/quarantine"} {
		if _, err := os.Stat(extra); err != nil {
			t.Errorf("missing %s: %v", extra, err)
		}
	}

	// Scratch contract complete.
	for _, sub := range doctor.RequiredScratchSubdirs {
		if _, err := os.Stat(filepath.Join(scratchRoot, sub)); err != nil {
			t.Errorf("missing scratch %s: %v", sub, err)
		}
	}

	// Generated config loads cleanly and round-trips the identity.
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Identity.WatcherID != "studio-a" {
		t.Errorf("watcher_id: %q", cfg.Identity.WatcherID)
	}
	if cfg.Paths.StateRoot != stateRoot {
		t.Errorf("state_root: %q", cfg.Paths.StateRoot)
	}
	if cfg.Watcher.PollSeconds != 30 || cfg.Watcher.StaleAfterIntervals != 4 {
		t.Errorf("watcher defaults: %+v", cfg.Watcher)
	}
}

func TestRun_Idempotent(t *testing.T) {
	stateRoot := filepath.Join(t.TempDir(), "state")
	opts := Options{StateRoot: stateRoot, WatcherID: "studio-a"}

	if err := Run(opts, testLogger()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Run(opts, testLogger()); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestRun_ExistingConfigNotOverwritten(t *testing.T) {
	stateRoot := filepath.Join(t.TempDir(), "state")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("# operator tuned\n"), 0644); err != nil {
		t.Fatal(err)
	}

	opts := Options{StateRoot: stateRoot, WatcherID: "studio-a", ConfigPath: configPath}
	if err := Run(opts, testLogger()); err == nil {
		t.Fatal("expected error for existing config without --force")
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "# operator tuned\n" {
		t.Error("existing config was modified")
	}

	opts.Force = true
	if err := Run(opts, testLogger()); err != nil {
		t.Fatalf("run with force: %v", err)
	}
	if _, err := model.LoadConfig(configPath); err != nil {
		t.Errorf("forced config does not load: %v", err)
	}
}

func TestRun_RequiredOptions(t *testing.T) {
	if err := Run(Options{WatcherID: "studio-a"}, testLogger()); err == nil {
		t.Error("expected error for missing state root")
	}
	if err := Run(Options{StateRoot: t.TempDir()}, testLogger()); err == nil {
		t.Error("expected error for missing watcher id")
	}
}
