// Package setup provisions a new deployment: the shared-store directory
// contract, the local scratch-disk contract, and a starter config file.
// Running it against an existing deployment is idempotent.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/stagehand/internal/doctor"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
	"github.com/msageha/stagehand/internal/yamlfile"
)

// Options drive a provisioning run. StateRoot and WatcherID are
// required; ScratchRoot and ConfigPath are created only when set.
type Options struct {
	StateRoot   string
	ScratchRoot string
	WatcherID   string
	ConfigPath  string
	Force       bool
}

// Run provisions store, scratch and config.
func Run(opts Options, lg *logging.Logger) error {
	if opts.StateRoot == "" {
		return fmt.Errorf("setup requires --state-root")
	}
	if opts.WatcherID == "" {
		return fmt.Errorf("setup requires --watcher-id")
	}

	cfg := defaultConfig(opts)

	layout := store.NewLayout(cfg.Paths)
	if err := layout.EnsureLayout(); err != nil {
		return err
	}
	for _, extra := range []string{cfg.Paths.LogsRoot, filepath.Join(cfg.Paths.StateRoot, "quarantine")} {
		if err := os.MkdirAll(extra, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", extra, err)
		}
	}
	lg.Info("setup_store state_root=%s", cfg.Paths.StateRoot)

	if opts.ScratchRoot != "" {
		for _, sub := range doctor.RequiredScratchSubdirs {
			dir := filepath.Join(opts.ScratchRoot, sub)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create scratch directory %s: %w", dir, err)
			}
		}
		lg.Info("setup_scratch root=%s", opts.ScratchRoot)
	}

	if opts.ConfigPath != "" {
		if err := writeConfig(opts.ConfigPath, cfg, opts.Force); err != nil {
			return err
		}
		lg.Info("setup_config path=%s watcher_id=%s", opts.ConfigPath, opts.WatcherID)
	}
	return nil
}

// defaultConfig is the starter configuration for a fresh identity, with
// every timing knob spelled out so operators see what they can tune.
func defaultConfig(opts Options) model.Config {
	cfg := model.Config{}
	cfg.Identity.WatcherID = opts.WatcherID
	cfg.Paths.StateRoot = opts.StateRoot
	cfg.Scratch.Root = opts.ScratchRoot
	cfg.Watcher = model.WatcherConfig{
		PollSeconds:              30,
		OpportunisticPollSeconds: 5,
		StaleAfterIntervals:      4,
		FreshnessSlackSec:        30,
		ClaimRetryAttempts:       3,
		ClaimRetryBackoffMs:      500,
		DebounceSec:              0.5,
	}
	cfg.Launcher = model.LauncherConfig{
		IdleGraceSec:         300,
		ActivityThresholdSec: 60,
		SampleIntervalSec:    10,
		TaskTimeoutSec:       3600,
	}
	cfg.Supervisor = model.SupervisorConfig{
		UpdateCmd:      "git pull --ff-only",
		DepsCmd:        "make deps",
		VerifyGraceSec: 90,
	}
	cfg.Logging.Level = "info"
	applyPathDefaults(&cfg)
	return cfg
}

func applyPathDefaults(cfg *model.Config) {
	if cfg.Paths.FlagsRoot == "" {
		cfg.Paths.FlagsRoot = cfg.Paths.StateRoot + "/flags"
	}
	if cfg.Paths.LogsRoot == "" {
		cfg.Paths.LogsRoot = cfg.Paths.StateRoot + "/logs"
	}
}

func writeConfig(path string, cfg model.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := yamlfile.AtomicWrite(path, cfg); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
