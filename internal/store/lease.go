package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/msageha/stagehand/internal/heartbeat"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/yamlfile"
)

// ErrLeaseHeld reports that the lease belongs to an owner whose heartbeat
// is still fresh enough to believe.
var ErrLeaseHeld = errors.New("lease held by a live owner")

const (
	defaultStaleAfterIntervals = 4
	defaultFreshnessSlackSec   = 30
)

// LeaseKeeper manages the per-identity exclusive ownership marker.
// Lease presence is never trusted on its own: an existing lease can only
// block acquisition while the holder's heartbeat is younger than
// stale_after_intervals × its declared interval + slack. Overriding past
// that threshold is deliberate and logged; if the original holder was
// merely slow, both may run until the holder's next lease check, which is
// the documented double-run risk window.
type LeaseKeeper struct {
	layout     Layout
	clk        clock.Clock
	log        *logging.Logger
	staleAfter int
	slack      time.Duration
}

func NewLeaseKeeper(cfg model.Config, lg *logging.Logger, clk clock.Clock) *LeaseKeeper {
	staleAfter := cfg.Watcher.StaleAfterIntervals
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfterIntervals
	}
	slackSec := cfg.Watcher.FreshnessSlackSec
	if slackSec <= 0 {
		slackSec = defaultFreshnessSlackSec
	}
	return &LeaseKeeper{
		layout:     NewLayout(cfg.Paths),
		clk:        clk,
		log:        lg,
		staleAfter: staleAfter,
		slack:      time.Duration(slackSec) * time.Second,
	}
}

// Acquire takes the identity's lease. If a lease exists it is honored
// only when corroborated by a fresh-enough heartbeat; otherwise it is
// forcibly overridden. A lost creation race returns ErrLeaseHeld.
func (k *LeaseKeeper) Acquire(identity, session string) (*model.Lease, error) {
	path := k.layout.LeasePath(identity)

	err := k.createExclusive(path, identity, session)
	if err == nil {
		k.log.Info("lease_acquired identity=%s session=%s", identity, session)
		return k.Inspect(identity)
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("create lease %s: %w", path, err)
	}

	holder, herr := k.Inspect(identity)
	if herr == nil && holder.Session == session {
		// Re-entry by the same session (e.g. a restarted cycle) keeps it.
		return holder, nil
	}

	if k.holderAlive(identity) {
		owner := "unknown"
		if herr == nil {
			owner = fmt.Sprintf("host=%s pid=%d", holder.Host, holder.PID)
		}
		return nil, fmt.Errorf("%w: identity=%s %s", ErrLeaseHeld, identity, owner)
	}

	// Stale override: no fresh heartbeat corroborates the holder.
	k.log.Warn("lease_override identity=%s stale_after_intervals=%d", identity, k.staleAfter)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale lease: %w", err)
	}
	if err := k.createExclusive(path, identity, session); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: identity=%s (lost override race)", ErrLeaseHeld, identity)
		}
		return nil, fmt.Errorf("recreate lease: %w", err)
	}
	k.log.Info("lease_acquired identity=%s session=%s overrode_stale=true", identity, session)
	return k.Inspect(identity)
}

// createExclusive claims the marker with O_EXCL, then fills the document
// atomically so readers never see partial content.
func (k *LeaseKeeper) createExclusive(path, identity, session string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lease marker: %w", err)
	}

	host, _ := os.Hostname()
	doc := model.Lease{
		SchemaVersion: model.CurrentSchemaVersion,
		FileType:      model.FileTypeLease,
		Identity:      identity,
		Host:          host,
		PID:           os.Getpid(),
		Session:       session,
		AcquiredAt:    k.clk.Now().UTC().Format(time.RFC3339),
	}
	if err := yamlfile.AtomicWrite(path, doc); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write lease document: %w", err)
	}
	return nil
}

// holderAlive checks the holder's heartbeat against the abandonment
// threshold. A missing or unreadable heartbeat means unknown, assume
// dead.
func (k *LeaseKeeper) holderAlive(identity string) bool {
	doc, stamp, err := heartbeat.Load(k.layout.HeartbeatPath(identity))
	if err != nil {
		return false
	}
	return !heartbeat.StaleBeyond(k.clk.Now(), stamp, heartbeat.Interval(doc), k.slack, k.staleAfter)
}

// HolderStale is the same abandonment test, exposed for the reclaim scan:
// a processing entry whose claimer fails this check is an orphan.
func (k *LeaseKeeper) HolderStale(identity string) bool {
	return !k.holderAlive(identity)
}

// Evict removes an identity's lease unconditionally. Only for callers
// that have stopped the holder themselves: once the process is dead, a
// seconds-old heartbeat no longer proves a live owner, and leaving the
// lease behind would block the replacement until the abandonment
// threshold.
func (k *LeaseKeeper) Evict(identity string) error {
	err := os.Remove(k.layout.LeasePath(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evict lease: %w", err)
	}
	k.log.Warn("lease_evicted identity=%s", identity)
	return nil
}

// Release removes the lease if this session still owns it. Releasing a
// lease another session overrode is a no-op, not an error.
func (k *LeaseKeeper) Release(identity, session string) error {
	holder, err := k.Inspect(identity)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if holder.Session != session {
		k.log.Warn("lease_release_skipped identity=%s held_by_session=%s", identity, holder.Session)
		return nil
	}
	if err := os.Remove(k.layout.LeasePath(identity)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	k.log.Info("lease_released identity=%s session=%s", identity, session)
	return nil
}

// Inspect reads the lease document for an identity.
func (k *LeaseKeeper) Inspect(identity string) (*model.Lease, error) {
	var doc model.Lease
	if err := yamlfile.Load(k.layout.LeasePath(identity), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
