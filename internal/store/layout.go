// Package store implements the shared queue and lease primitive on top of
// a rename-atomic file store. It is the only package that knows the
// directory contract; everything above it sees claims, leases and records.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/stagehand/internal/model"
)

// Layout maps the shared-store directory contract. Task flags live under
// the flags root, control requests under control/, and per-identity lease
// and heartbeat documents under the state root.
type Layout struct {
	StateRoot string
	FlagsRoot string
}

func NewLayout(paths model.PathsConfig) Layout {
	return Layout{
		StateRoot: paths.StateRoot,
		FlagsRoot: paths.FlagsRoot,
	}
}

func (l Layout) Pending() string    { return filepath.Join(l.FlagsRoot, "pending") }
func (l Layout) Processing() string { return filepath.Join(l.FlagsRoot, "processing") }
func (l Layout) Completed() string  { return filepath.Join(l.FlagsRoot, "completed") }
func (l Layout) Failed() string     { return filepath.Join(l.FlagsRoot, "failed") }

func (l Layout) ControlPending() string    { return filepath.Join(l.StateRoot, "control", "pending") }
func (l Layout) ControlProcessing() string { return filepath.Join(l.StateRoot, "control", "processing") }
func (l Layout) ControlCompleted() string  { return filepath.Join(l.StateRoot, "control", "completed") }
func (l Layout) ControlFailed() string     { return filepath.Join(l.StateRoot, "control", "failed") }

func (l Layout) Leases() string     { return filepath.Join(l.StateRoot, "leases") }
func (l Layout) Heartbeats() string { return filepath.Join(l.StateRoot, "heartbeats") }

func (l Layout) LeasePath(identity string) string {
	return filepath.Join(l.Leases(), identity+".yaml")
}

func (l Layout) HeartbeatPath(identity string) string {
	return filepath.Join(l.Heartbeats(), identity+".yaml")
}

// Dirs lists every directory the contract requires.
func (l Layout) Dirs() []string {
	return []string{
		l.StateRoot,
		l.FlagsRoot,
		l.Pending(),
		l.Processing(),
		l.Completed(),
		l.Failed(),
		l.ControlPending(),
		l.ControlProcessing(),
		l.ControlCompleted(),
		l.ControlFailed(),
		l.Leases(),
		l.Heartbeats(),
	}
}

// EnsureLayout creates the full directory contract.
func (l Layout) EnsureLayout() error {
	for _, d := range l.Dirs() {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// RequireLayout verifies the contract exists without creating anything.
// Workers fail fast instead of silently manufacturing store structure on
// a misconfigured or half-mounted share.
func (l Layout) RequireLayout() error {
	for _, d := range l.Dirs() {
		info, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("required directory missing: %s: %w", d, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("required path is not a directory: %s", d)
		}
	}
	return nil
}
