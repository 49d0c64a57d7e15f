// Package proc abstracts process start and termination so the control
// plane and launcher never touch host specifics directly. Children run in
// their own process group so a hard timeout can take down the whole tree.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Terminator kills a process tree by its root pid. Tests substitute a
// recording fake.
type Terminator interface {
	Terminate(pid int) error
}

// GroupTerminator kills the whole process group rooted at pid with
// SIGKILL. Handlers are required to tolerate abrupt termination; there is
// no graceful path.
type GroupTerminator struct{}

func (GroupTerminator) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	// The negative pid addresses the group; fall back to the single
	// process when the group is already gone.
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if err != unix.ESRCH {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether a pid exists, as a secondary signal only; the
// heartbeat remains the basis for liveness decisions.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Handle is a started child the caller can wait on or kill as a tree.
type Handle struct {
	cmd  *exec.Cmd
	done chan error
}

// Start launches a command in its own process group with output appended
// to logPath (or discarded when empty).
func Start(name string, args []string, dir, logPath string) (*Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open child log %s: %w", logPath, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	h := &Handle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
		if closer, ok := cmd.Stdout.(*os.File); ok && closer != nil {
			_ = closer.Close()
		}
	}()
	return h, nil
}

func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done yields the child's exit error exactly once.
func (h *Handle) Done() <-chan error { return h.done }

// KillTree forcibly terminates the child's whole process group.
func (h *Handle) KillTree() error {
	return GroupTerminator{}.Terminate(h.PID())
}

// RunShell executes a shell command line synchronously in dir, returning
// combined output. The supervisor runs its update, dependency and
// health-check commands through this.
func RunShell(cmdline, dir string) ([]byte, error) {
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("run %q: %w", cmdline, err)
	}
	return out, nil
}
