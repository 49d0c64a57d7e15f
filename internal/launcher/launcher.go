// Package launcher gates worker execution on host idleness. It starts
// bounded worker runs only after the host has been untouched for a grace
// period, enforces a hard per-run timeout by killing the worker's whole
// process tree, and stands down as soon as the human is back.
package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/msageha/stagehand/internal/audit"
	"github.com/msageha/stagehand/internal/idle"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/proc"
)

const (
	defaultIdleGraceSec         = 300
	defaultActivityThresholdSec = 60
	defaultSampleIntervalSec    = 10
	defaultTaskTimeoutSec       = 3600
)

// WorkerRunner starts one bounded worker run. The production runner
// re-execs this binary; tests substitute a scripted child.
type WorkerRunner interface {
	Start(ctx context.Context) (*proc.Handle, error)
}

// Options configures a Launcher.
type Options struct {
	Config model.Config
	Prober idle.Prober
	Runner WorkerRunner
	Logger *logging.Logger
	Audit  *audit.Logger
	Clock  clock.Clock
}

type Launcher struct {
	identity          string
	idleGrace         time.Duration
	activityThreshold time.Duration
	sampleInterval    time.Duration
	taskTimeout       time.Duration

	prober idle.Prober
	runner WorkerRunner
	clk    clock.Clock
	log    *logging.Logger
	audit  *audit.Logger
}

func New(opts Options) (*Launcher, error) {
	if opts.Prober == nil || opts.Runner == nil {
		return nil, fmt.Errorf("launcher requires an idle prober and a worker runner")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cfg := opts.Config.Launcher
	return &Launcher{
		identity:          opts.Config.Identity.WatcherID,
		idleGrace:         secondsOr(cfg.IdleGraceSec, defaultIdleGraceSec),
		activityThreshold: secondsOr(cfg.ActivityThresholdSec, defaultActivityThresholdSec),
		sampleInterval:    secondsOr(cfg.SampleIntervalSec, defaultSampleIntervalSec),
		taskTimeout:       secondsOr(cfg.TaskTimeoutSec, defaultTaskTimeoutSec),
		prober:            opts.Prober,
		runner:            opts.Runner,
		clk:               clk,
		log:               opts.Logger,
		audit:             opts.Audit,
	}, nil
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// Run waits for the idle grace period, then supervises bounded worker
// runs until activity resumes or the context ends. Returns nil on a
// clean stand-down.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.awaitIdleGrace(ctx); err != nil {
		return err
	}

	l.log.Info("launcher_active identity=%s idle_grace=%s", l.identity, l.idleGrace)
	runs := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.superviseRun(ctx); err != nil {
			return err
		}
		runs++

		d, err := l.prober.IdleDuration()
		if err != nil {
			return fmt.Errorf("idle probe: %w", err)
		}
		if d < l.activityThreshold {
			// The human is back; hand the host over promptly.
			l.log.Info("launcher_standdown identity=%s idle=%s runs=%d", l.identity, d, runs)
			l.auditEvent("launcher_standdown", map[string]string{
				"runs": fmt.Sprintf("%d", runs),
				"idle": d.String(),
			})
			return nil
		}
	}
}

// awaitIdleGrace samples until the host has been continuously idle for
// the full grace period. The probe reports cumulative time since last
// input, so one sample at or past the grace bound proves the whole
// window; a single sample above zero proves nothing, which is why we
// keep sampling rather than start on the first look.
func (l *Launcher) awaitIdleGrace(ctx context.Context) error {
	for {
		d, err := l.prober.IdleDuration()
		if err != nil {
			return fmt.Errorf("idle probe: %w", err)
		}
		if d >= l.idleGrace {
			return nil
		}
		l.log.Debug("launcher_waiting idle=%s grace=%s", d, l.idleGrace)
		select {
		case <-ctx.Done():
			return nil
		case <-l.clk.After(l.sampleInterval):
		}
	}
}

// superviseRun starts one bounded worker and waits for it, killing the
// whole process tree at the hard timeout. A worker failure is recorded
// but does not stop the launcher; the next idle check decides.
func (l *Launcher) superviseRun(ctx context.Context) error {
	handle, err := l.runner.Start(ctx)
	if err != nil {
		return fmt.Errorf("start bounded worker: %w", err)
	}
	l.log.Info("worker_started pid=%d timeout=%s", handle.PID(), l.taskTimeout)

	timeout := l.clk.Timer(l.taskTimeout)
	defer timeout.Stop()

	select {
	case err := <-handle.Done():
		if err != nil {
			l.log.Warn("worker_exit pid=%d err=%v", handle.PID(), err)
		} else {
			l.log.Info("worker_exit pid=%d status=ok", handle.PID())
		}
		return nil
	case <-timeout.C:
		l.log.Error("worker_timeout pid=%d after=%s killing process tree", handle.PID(), l.taskTimeout)
		if err := handle.KillTree(); err != nil {
			l.log.Error("worker_kill_failed pid=%d err=%v", handle.PID(), err)
		}
		<-handle.Done()
		l.auditEvent("worker_timeout_killed", map[string]string{
			"pid":     fmt.Sprintf("%d", handle.PID()),
			"timeout": l.taskTimeout.String(),
		})
		return nil
	case <-ctx.Done():
		if err := handle.KillTree(); err != nil {
			l.log.Error("worker_kill_failed pid=%d err=%v", handle.PID(), err)
		}
		<-handle.Done()
		return nil
	}
}

func (l *Launcher) auditEvent(event string, details map[string]string) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(event, l.identity, "", details); err != nil {
		l.log.Error("audit_failed event=%s err=%v", event, err)
	}
}
