// Package supervisor is the control plane: a short-lived process on a
// recurring schedule that applies at most one pending maintenance
// request (update, update-with-deps, restart) per invocation and is a
// no-op otherwise.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/msageha/stagehand/internal/audit"
	"github.com/msageha/stagehand/internal/heartbeat"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/notify"
	"github.com/msageha/stagehand/internal/proc"
	"github.com/msageha/stagehand/internal/store"
)

const (
	defaultVerifyGraceSec = 90
	verifyPollStep        = 2 * time.Second
)

// WorkerStarter launches a fresh continuous worker, detached, and
// returns its pid. Tests substitute a fake that also plants a heartbeat.
type WorkerStarter interface {
	StartContinuous() (int, error)
}

// CommandRunner executes a maintenance command line in a directory.
// Production uses proc.RunShell.
type CommandRunner func(cmdline, dir string) ([]byte, error)

// Options configures a Supervisor.
type Options struct {
	Config     model.Config
	Terminator proc.Terminator
	Starter    WorkerStarter
	RunCommand CommandRunner
	Notify     notify.Notifier
	Logger     *logging.Logger
	Audit      *audit.Logger
	Clock      clock.Clock
}

type Supervisor struct {
	cfg         model.Config
	identity    string
	host        string
	verifyGrace time.Duration

	store  *store.Store
	leases *store.LeaseKeeper
	hb     *heartbeat.Publisher
	term   proc.Terminator
	start  WorkerStarter
	runCmd CommandRunner
	notify notify.Notifier
	clk    clock.Clock
	log    *logging.Logger
	audit  *audit.Logger
}

func New(opts Options) (*Supervisor, error) {
	if opts.Starter == nil {
		return nil, fmt.Errorf("supervisor requires a worker starter")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	term := opts.Terminator
	if term == nil {
		term = proc.GroupTerminator{}
	}
	runCmd := opts.RunCommand
	if runCmd == nil {
		runCmd = proc.RunShell
	}
	verifySec := opts.Config.Supervisor.VerifyGraceSec
	if verifySec <= 0 {
		verifySec = defaultVerifyGraceSec
	}
	pollSec := opts.Config.Watcher.PollSeconds
	if pollSec <= 0 {
		pollSec = 30
	}
	host, _ := os.Hostname()
	st := store.New(opts.Config, opts.Logger, clk)
	identity := opts.Config.Identity.WatcherID
	// The supervisor reports its own liveness under a derived identity so
	// its runs are observable next to the worker it manages.
	hbIdentity := identity + "-supervisor"
	hb := heartbeat.NewPublisher(st.Layout().HeartbeatPath(hbIdentity), hbIdentity,
		uuid.NewString(), model.ModeSupervisor, time.Duration(pollSec)*time.Second, clk)
	return &Supervisor{
		cfg:         opts.Config,
		identity:    identity,
		host:        host,
		verifyGrace: time.Duration(verifySec) * time.Second,
		store:       st,
		leases:      store.NewLeaseKeeper(opts.Config, opts.Logger, clk),
		hb:          hb,
		term:        term,
		start:       opts.Starter,
		runCmd:      runCmd,
		notify:      opts.Notify,
		clk:         clk,
		log:         opts.Logger,
		audit:       opts.Audit,
	}, nil
}

// Run claims and applies one maintenance request. Returns nil when there
// was nothing to do or the request completed; a non-nil error means the
// claimed request failed and the invocation must exit 1.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.store.Layout().RequireLayout(); err != nil {
		return fmt.Errorf("store contract: %w", err)
	}

	if err := s.hb.Beat("running"); err != nil {
		s.log.Warn("heartbeat_failed identity=%s-supervisor err=%v", s.identity, err)
	}

	names, err := s.store.ListControlPending()
	if err != nil {
		return fmt.Errorf("scan control requests: %w", err)
	}

	for _, name := range names {
		cc, err := s.store.ClaimControl(name, s.identity)
		if errors.Is(err, store.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			s.log.Error("control_claim_failed request=%s err=%v", name, err)
			continue
		}
		if cc.Request.Identity != s.identity {
			// Another machine's worker; put it back for its supervisor.
			if err := s.store.ReleaseControl(cc); err != nil {
				s.log.Error("control_release_failed request=%s err=%v", name, err)
			}
			continue
		}
		return s.apply(ctx, cc)
	}

	s.log.Info("supervisor_noop identity=%s", s.identity)
	return nil
}

// apply runs the full maintenance sequence for one claimed request and
// always finishes it with a terminal record and an audit line.
func (s *Supervisor) apply(ctx context.Context, cc *store.ClaimedControl) error {
	req := cc.Request
	started := s.clk.Now()
	s.log.Info("control_started request=%s kind=%s identity=%s", cc.Name, req.Kind, req.Identity)

	err := s.perform(ctx, req)
	ended := s.clk.Now()

	status := model.StatusCompleted
	errMsg := ""
	if err != nil {
		status = model.StatusFailed
		errMsg = err.Error()
	}

	rec := model.NewRecord(cc.Name, req.Identity, s.host, status, started, ended, errMsg)
	if ferr := s.store.FinishControl(cc, rec); ferr != nil {
		s.log.Error("control_finish_failed request=%s err=%v", cc.Name, ferr)
		if err == nil {
			err = ferr
		}
	}

	s.auditEvent("control_"+string(status), cc.Name, map[string]string{
		"kind":  string(req.Kind),
		"error": errMsg,
	})
	s.log.Info("control_done request=%s kind=%s status=%s duration=%.1fs",
		cc.Name, req.Kind, status, rec.DurationSeconds)
	return err
}

func (s *Supervisor) perform(ctx context.Context, req model.ControlRequest) error {
	s.stopWorker(req.Identity)

	switch req.Kind {
	case model.ControlUpdate:
		if err := s.syncSource(); err != nil {
			return err
		}
	case model.ControlUpdateWithDeps:
		if err := s.syncSource(); err != nil {
			return err
		}
		if err := s.installDeps(); err != nil {
			return err
		}
	case model.ControlRestart:
		// Stop + start only.
	default:
		return fmt.Errorf("unknown control kind %q", req.Kind)
	}

	if cmd := s.cfg.Supervisor.HealthCheckCmd; cmd != "" {
		if out, err := s.runCmd(cmd, s.cfg.Supervisor.RepoDir); err != nil {
			return fmt.Errorf("health check failed: %w (output: %s)", err, out)
		}
	}

	restartAt := s.clk.Now()
	pid, err := s.start.StartContinuous()
	if err != nil {
		return fmt.Errorf("restart worker: %w", err)
	}
	s.log.Info("worker_restarted identity=%s pid=%d", req.Identity, pid)

	if err := s.verifyRestart(ctx, req.Identity, restartAt); err != nil {
		// The code changes already landed; an unverified restart is
		// still a failed request and needs operator attention.
		if s.notify != nil {
			_ = s.notify("stagehand supervisor", fmt.Sprintf("restart verification failed for %s", req.Identity))
		}
		return err
	}
	return nil
}

// stopWorker finds the current owner via heartbeat (preferred) or lease
// (fallback) and terminates its process tree. No owner means the worker
// was already stopped, which is fine.
func (s *Supervisor) stopWorker(identity string) {
	pid := 0
	layout := s.store.Layout()
	if hb, _, err := heartbeat.Load(layout.HeartbeatPath(identity)); err == nil && hb.Host == s.host {
		pid = hb.PID
	} else if lease, err := s.leases.Inspect(identity); err == nil && lease.Host == s.host {
		pid = lease.PID
	}

	if pid <= 0 || !proc.Alive(pid) {
		s.log.Info("worker_already_stopped identity=%s", identity)
		s.evictLease(identity)
		return
	}

	if err := s.term.Terminate(pid); err != nil {
		s.log.Warn("worker_terminate_failed identity=%s pid=%d err=%v", identity, pid, err)
		return
	}
	s.log.Info("worker_terminated identity=%s pid=%d", identity, pid)
	s.auditEvent("worker_terminated", "", map[string]string{
		"target_identity": identity,
		"pid":             fmt.Sprintf("%d", pid),
	})
	s.evictLease(identity)
}

// evictLease clears the stopped worker's lease so the replacement does
// not sit out the abandonment window behind a dead owner's still-fresh
// heartbeat.
func (s *Supervisor) evictLease(identity string) {
	if err := s.leases.Evict(identity); err != nil {
		s.log.Error("lease_evict_failed identity=%s err=%v", identity, err)
	}
}

func (s *Supervisor) syncSource() error {
	cmd := s.cfg.Supervisor.UpdateCmd
	if cmd == "" {
		return fmt.Errorf("supervisor.update_cmd is not configured")
	}
	out, err := s.runCmd(cmd, s.cfg.Supervisor.RepoDir)
	if err != nil {
		return fmt.Errorf("source sync failed: %w (output: %s)", err, out)
	}
	s.log.Info("source_synced cmd=%q", cmd)
	return nil
}

func (s *Supervisor) installDeps() error {
	cmd := s.cfg.Supervisor.DepsCmd
	if cmd == "" {
		return fmt.Errorf("supervisor.deps_cmd is not configured")
	}
	out, err := s.runCmd(cmd, s.cfg.Supervisor.RepoDir)
	if err != nil {
		return fmt.Errorf("dependency install failed: %w (output: %s)", err, out)
	}
	s.log.Info("deps_installed cmd=%q", cmd)
	return nil
}

// verifyRestart requires a heartbeat written after the restart instant
// within the grace window. Absence is a hard failure: an unverified
// restart is not a successful restart.
func (s *Supervisor) verifyRestart(ctx context.Context, identity string, restartAt time.Time) error {
	path := s.store.Layout().HeartbeatPath(identity)
	deadline := restartAt.Add(s.verifyGrace)

	for {
		_, stamp, err := heartbeat.Load(path)
		if err == nil && stamp.After(restartAt) {
			s.log.Info("restart_verified identity=%s heartbeat=%s", identity, stamp.Format(time.RFC3339))
			return nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("heartbeat_read_failed identity=%s err=%v", identity, err)
		}
		if !s.clk.Now().Before(deadline) {
			return fmt.Errorf("restart verification failed: no fresh heartbeat for %s within %s", identity, s.verifyGrace)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("restart verification interrupted: %w", ctx.Err())
		case <-s.clk.After(verifyPollStep):
		}
	}
}

func (s *Supervisor) auditEvent(event, trigger string, details map[string]string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(event, s.identity, trigger, details); err != nil {
		s.log.Error("audit_failed event=%s err=%v", event, err)
	}
}
