// Package watcher implements the worker loop: hold the identity lease,
// claim at most one pending task per cycle, dispatch it, record the
// outcome, and keep the heartbeat current throughout.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/msageha/stagehand/internal/audit"
	"github.com/msageha/stagehand/internal/heartbeat"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
)

const (
	defaultPollSeconds              = 30
	defaultOpportunisticPollSeconds = 5
	defaultDebounceSec              = 0.5
)

// Options configures a Watcher.
type Options struct {
	Config        model.Config
	Mode          model.Mode // ModeContinuous or ModeBounded
	Opportunistic bool
	Registry      *Registry
	Logger        *logging.Logger
	Audit         *audit.Logger
	Clock         clock.Clock
}

type Watcher struct {
	cfg           model.Config
	identity      string
	host          string
	session       string
	mode          model.Mode
	opportunistic bool
	interval      time.Duration
	debounce      time.Duration

	store    *store.Store
	leases   *store.LeaseKeeper
	registry *Registry
	hb       *heartbeat.Publisher
	clk      clock.Clock
	log      *logging.Logger
	audit    *audit.Logger

	debounceMu    sync.Mutex
	debounceTimer *clock.Timer
	wake          chan struct{}
}

func New(opts Options) (*Watcher, error) {
	if opts.Mode != model.ModeContinuous && opts.Mode != model.ModeBounded {
		return nil, fmt.Errorf("watcher mode must be continuous or bounded, got %q", opts.Mode)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("watcher requires a handler registry")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	pollSec := opts.Config.Watcher.PollSeconds
	if pollSec <= 0 {
		pollSec = defaultPollSeconds
	}
	if opts.Opportunistic {
		pollSec = opts.Config.Watcher.OpportunisticPollSeconds
		if pollSec <= 0 {
			pollSec = defaultOpportunisticPollSeconds
		}
	}
	debounceSec := opts.Config.Watcher.DebounceSec
	if debounceSec <= 0 {
		debounceSec = defaultDebounceSec
	}

	identity := opts.Config.Identity.WatcherID
	session := uuid.NewString()
	host, _ := os.Hostname()
	st := store.New(opts.Config, opts.Logger, clk)

	// The heartbeat mode reports how this process is scheduled; the
	// opportunistic flag only changes the declared interval and label.
	hbMode := opts.Mode
	if opts.Opportunistic {
		hbMode = model.ModeOpportunistic
	}
	interval := time.Duration(pollSec) * time.Second

	return &Watcher{
		cfg:           opts.Config,
		identity:      identity,
		host:          host,
		session:       session,
		mode:          opts.Mode,
		opportunistic: opts.Opportunistic,
		interval:      interval,
		debounce:      time.Duration(debounceSec * float64(time.Second)),
		store:         st,
		leases:        store.NewLeaseKeeper(opts.Config, opts.Logger, clk),
		registry:      opts.Registry,
		hb:            heartbeat.NewPublisher(st.Layout().HeartbeatPath(identity), identity, session, hbMode, interval, clk),
		clk:           clk,
		log:           opts.Logger,
		audit:         opts.Audit,
		wake:          make(chan struct{}, 1),
	}, nil
}

// Session exposes the session token for tests asserting lease ownership.
func (w *Watcher) Session() string { return w.session }

// Run acquires the lease and drives cycles until the context ends
// (continuous) or one cycle completes (bounded). A lease held by a live
// owner is a clean no-op exit, not an error.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.store.Layout().RequireLayout(); err != nil {
		return fmt.Errorf("store contract: %w", err)
	}

	if _, err := w.leases.Acquire(w.identity, w.session); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			w.log.Info("watcher_exit reason=lease_held identity=%s", w.identity)
			return nil
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := w.leases.Release(w.identity, w.session); err != nil {
			w.log.Error("lease_release_failed identity=%s err=%v", w.identity, err)
		}
	}()

	w.auditEvent("watcher_started", "", map[string]string{
		"mode":    string(w.mode),
		"session": w.session,
	})

	if w.mode == model.ModeBounded {
		w.cycle(ctx)
		return nil
	}
	return w.runContinuous(ctx)
}

func (w *Watcher) runContinuous(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify_unavailable err=%v falling back to polling only", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.store.Layout().Pending()); err != nil {
			w.log.Warn("fsnotify_add_failed dir=%s err=%v", w.store.Layout().Pending(), err)
		} else {
			go w.routeEvents(ctx, fw)
		}
	}

	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher_exit reason=signal identity=%s", w.identity)
			return nil
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.wake:
			w.cycle(ctx)
		}
	}
}

// routeEvents debounces pending-directory events into wake signals so a
// producer writing several tasks triggers one scan.
func (w *Watcher) routeEvents(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceMu.Lock()
			if w.debounceTimer != nil {
				w.debounceTimer.Stop()
			}
			w.debounceTimer = w.clk.AfterFunc(w.debounce, func() {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			})
			w.debounceMu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify_error err=%v", err)
		}
	}
}

// cycle is one pass: heartbeat, orphan reclaim, claim one task, run it.
// Nothing in a cycle may kill the loop; failures are logged and the next
// tick tries again.
func (w *Watcher) cycle(ctx context.Context) {
	if err := w.hb.Beat("running"); err != nil {
		w.log.Error("heartbeat_failed identity=%s err=%v", w.identity, err)
		return
	}

	w.reclaimOrphans()

	names, err := w.store.ListPending()
	if err != nil {
		w.log.Error("list_pending_failed err=%v", err)
		return
	}

	for _, name := range names {
		ct, err := w.store.ClaimTask(name, w.identity)
		if errors.Is(err, store.ErrAlreadyClaimed) {
			w.log.Debug("claim_lost task=%s", name)
			continue
		}
		if err != nil {
			// Corrupt entry: already quarantined by the store.
			w.log.Error("claim_failed task=%s err=%v", name, err)
			w.auditEvent("task_quarantined", name, map[string]string{"error": err.Error()})
			continue
		}
		w.process(ctx, ct)
		break
	}
}

// reclaimOrphans returns processing entries with no live claimer to
// pending. Our own markers are leftovers from a crashed previous run of
// this identity — the lease guarantees no other live process shares it —
// so they are reclaimed unconditionally. Foreign markers are reclaimed
// only past the staleness threshold.
func (w *Watcher) reclaimOrphans() {
	entries, err := w.store.ListProcessing()
	if err != nil {
		w.log.Error("list_processing_failed err=%v", err)
		return
	}
	for _, e := range entries {
		if e.ClaimedBy != w.identity && !w.leases.HolderStale(e.ClaimedBy) {
			continue
		}
		err := w.store.ReclaimTask(e)
		if errors.Is(err, store.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			w.log.Error("reclaim_failed task=%s err=%v", e.TaskName, err)
			continue
		}
		w.auditEvent("task_reclaimed", e.TaskName, map[string]string{
			"previous_owner": e.ClaimedBy,
		})
	}
}

func (w *Watcher) process(ctx context.Context, ct *store.ClaimedTask) {
	started := w.clk.Now()
	w.log.Info("task_started task=%s kind=%s", ct.Name, ct.Task.Kind)

	var handlerErr error
	if h, ok := w.registry.Lookup(ct.Task.Kind); ok {
		_, handlerErr = h.Handle(ctx, ct.Task)
	} else {
		handlerErr = fmt.Errorf("no handler registered for kind %q", ct.Task.Kind)
	}
	ended := w.clk.Now()

	status := model.StatusCompleted
	errMsg := ""
	if handlerErr != nil {
		status = model.StatusFailed
		errMsg = handlerErr.Error()
	}

	rec := model.NewRecord(ct.Name, w.identity, w.host, status, started, ended, errMsg)
	if err := w.store.FinishTask(ct, rec); err != nil {
		w.log.Error("finish_failed task=%s err=%v", ct.Name, err)
		return
	}

	w.log.Info("task_done task=%s kind=%s status=%s duration=%.1fs",
		ct.Name, ct.Task.Kind, status, rec.DurationSeconds)
	w.auditEvent("task_"+string(status), ct.Name, map[string]string{
		"kind":             ct.Task.Kind,
		"duration_seconds": fmt.Sprintf("%.1f", rec.DurationSeconds),
		"error":            errMsg,
	})
}

func (w *Watcher) auditEvent(event, trigger string, details map[string]string) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(event, w.identity, trigger, details); err != nil {
		w.log.Error("audit_failed event=%s err=%v", event, err)
	}
}
