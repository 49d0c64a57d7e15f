package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/proc"
)

// Handler executes one task kind. Handlers must be idempotent or
// self-checking: a stale-lease override can hand the same task to a
// second worker, and the launcher's hard timeout kills without warning.
type Handler interface {
	Handle(ctx context.Context, task model.Task) (map[string]string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task model.Task) (map[string]string, error)

func (f HandlerFunc) Handle(ctx context.Context, task model.Task) (map[string]string, error) {
	return f(ctx, task)
}

// Registry maps task kinds to handlers.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// DefaultRegistry wires the built-in handlers. Pipeline stages register
// their own kinds on top of this.
func DefaultRegistry(scratchRoot string) *Registry {
	r := NewRegistry()
	r.Register("noop", HandlerFunc(NoopHandler))
	r.Register("exec", &ExecHandler{ScratchRoot: scratchRoot})
	return r
}

// NoopHandler completes immediately. Safe smoke-test task for verifying
// claim/record plumbing on a new host.
func NoopHandler(_ context.Context, _ model.Task) (map[string]string, error) {
	return map[string]string{"result": "ok"}, nil
}

// ExecHandler runs the command line from the task payload in the scratch
// working directory.
type ExecHandler struct {
	ScratchRoot string
}

const execOutputLimit = 4096

func (h *ExecHandler) Handle(_ context.Context, task model.Task) (map[string]string, error) {
	cmdline := task.Payload["command"]
	if cmdline == "" {
		return nil, fmt.Errorf("exec task missing payload key %q", "command")
	}
	out, err := proc.RunShell(cmdline, h.ScratchRoot)
	if err != nil {
		return nil, fmt.Errorf("exec handler: %w (output: %s)", err, truncate(out, execOutputLimit))
	}
	return map[string]string{"output": truncate(out, execOutputLimit)}, nil
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "…(truncated)"
}
