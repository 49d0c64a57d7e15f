// Package model defines the configuration and shared-store document
// structures for stagehand.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Paths      PathsConfig      `yaml:"paths"`
	Scratch    ScratchConfig    `yaml:"scratch"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type IdentityConfig struct {
	WatcherID string `yaml:"watcher_id"`
}

// PathsConfig points at the shared store. StateRoot is the only required
// key; FlagsRoot and LogsRoot default to conventional subdirectories.
type PathsConfig struct {
	StateRoot string `yaml:"state_root"`
	FlagsRoot string `yaml:"flags_root"`
	LogsRoot  string `yaml:"logs_root"`
}

type ScratchConfig struct {
	Root string `yaml:"root"`
}

type WatcherConfig struct {
	PollSeconds              int `yaml:"poll_seconds"`
	OpportunisticPollSeconds int `yaml:"opportunistic_poll_seconds"`

	// StaleAfterIntervals is the staleness multiplier: a lease whose
	// heartbeat is older than stale_after_intervals × poll_interval +
	// freshness_slack_sec is treated as abandoned and may be overridden.
	// The residual double-run window is exactly that long when the holder
	// is slow rather than dead.
	StaleAfterIntervals int `yaml:"stale_after_intervals"`

	FreshnessSlackSec   int     `yaml:"freshness_slack_sec"`
	ClaimRetryAttempts  int     `yaml:"claim_retry_attempts"`
	ClaimRetryBackoffMs int     `yaml:"claim_retry_backoff_ms"`
	DebounceSec         float64 `yaml:"debounce_sec"`
}

type LauncherConfig struct {
	IdleGraceSec         int `yaml:"idle_grace_sec"`
	ActivityThresholdSec int `yaml:"activity_threshold_sec"`
	SampleIntervalSec    int `yaml:"sample_interval_sec"`
	TaskTimeoutSec       int `yaml:"task_timeout_sec"`
}

type SupervisorConfig struct {
	RepoDir        string `yaml:"repo_dir"`
	UpdateCmd      string `yaml:"update_cmd"`
	DepsCmd        string `yaml:"deps_cmd"`
	HealthCheckCmd string `yaml:"health_check_cmd"`
	VerifyGraceSec int    `yaml:"verify_grace_sec"`
	Notify         bool   `yaml:"notify"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and parses a config file. Derived path defaults are
// filled in; timing defaults are applied by the component constructors.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Paths.StateRoot == "" {
		return cfg, fmt.Errorf("config %s: paths.state_root is required", path)
	}
	if cfg.Identity.WatcherID == "" {
		return cfg, fmt.Errorf("config %s: identity.watcher_id is required", path)
	}
	cfg.Paths.applyDefaults()
	return cfg, nil
}

func (p *PathsConfig) applyDefaults() {
	if p.FlagsRoot == "" {
		p.FlagsRoot = p.StateRoot + "/flags"
	}
	if p.LogsRoot == "" {
		p.LogsRoot = p.StateRoot + "/logs"
	}
}
