package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stagehand/internal/heartbeat"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
	"github.com/msageha/stagehand/internal/yamlfile"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	root := t.TempDir()
	var cfg model.Config
	cfg.Identity.WatcherID = "studio-a"
	cfg.Paths.StateRoot = root
	cfg.Paths.FlagsRoot = filepath.Join(root, "flags")
	cfg.Paths.LogsRoot = filepath.Join(root, "logs")
	cfg.Watcher.PollSeconds = 30
	return cfg
}

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "test", logging.LevelError)
}

func newBoundedWatcher(t *testing.T, cfg model.Config, reg *Registry) (*Watcher, *store.Store) {
	t.Helper()
	st := store.New(cfg, testLogger(), clock.New())
	require.NoError(t, st.Layout().EnsureLayout())
	w, err := New(Options{
		Config:   cfg,
		Mode:     model.ModeBounded,
		Registry: reg,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return w, st
}

func TestBoundedRun_ProcessesOneTask(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	_, err := st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)
	_, err = st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))

	// One task done, one still waiting: bounded means at most one claim.
	completed, err := os.ReadDir(st.Layout().Completed())
	require.NoError(t, err)
	require.Len(t, completed, 1)

	pending, err := st.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Lease released on the way out.
	_, err = os.Stat(st.Layout().LeasePath("studio-a"))
	require.True(t, os.IsNotExist(err))

	// Heartbeat published during the cycle.
	hb, _, err := heartbeat.Load(st.Layout().HeartbeatPath("studio-a"))
	require.NoError(t, err)
	require.Equal(t, model.ModeBounded, hb.Mode)
}

func TestBoundedRun_EmptyQueueIsClean(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	require.NoError(t, w.Run(context.Background()))

	completed, err := os.ReadDir(st.Layout().Completed())
	require.NoError(t, err)
	require.Empty(t, completed)
}

func TestRun_LeaseHeldByLiveOwnerExitsClean(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	// Another live process owns the identity: lease plus fresh heartbeat.
	keeper := store.NewLeaseKeeper(cfg, testLogger(), clock.New())
	_, err := keeper.Acquire("studio-a", "other-session")
	require.NoError(t, err)
	hb := heartbeat.NewPublisher(st.Layout().HeartbeatPath("studio-a"), "studio-a", "other-session", model.ModeContinuous, 30*time.Second, clock.New())
	require.NoError(t, hb.Beat("running"))

	name, err := st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)

	// Clean no-op exit, nothing touched.
	require.NoError(t, w.Run(context.Background()))

	pending, err := st.ListPending()
	require.NoError(t, err)
	require.Equal(t, []string{name}, pending)

	lease, err := keeper.Inspect("studio-a")
	require.NoError(t, err)
	require.Equal(t, "other-session", lease.Session)
}

func TestRun_ReclaimsOwnOrphans(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	// A previous run of this identity crashed mid-task: the marker is
	// still in processing and no lease survives.
	name, err := st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)
	marker := name + ".studio-a.processing"
	require.NoError(t, os.Rename(
		filepath.Join(st.Layout().Pending(), name),
		filepath.Join(st.Layout().Processing(), marker)))

	require.NoError(t, w.Run(context.Background()))

	// Reclaimed and completed in the same cycle.
	completed, err := os.ReadDir(st.Layout().Completed())
	require.NoError(t, err)
	require.Len(t, completed, 1)

	processing, err := st.ListProcessing()
	require.NoError(t, err)
	require.Empty(t, processing)
}

func TestRun_ForeignOrphanNeedsStaleness(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	name, err := st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)
	marker := name + ".studio-b.processing"
	require.NoError(t, os.Rename(
		filepath.Join(st.Layout().Pending(), name),
		filepath.Join(st.Layout().Processing(), marker)))

	// studio-b still beats: its claim must be left alone.
	other := heartbeat.NewPublisher(st.Layout().HeartbeatPath("studio-b"), "studio-b", "s", model.ModeContinuous, 30*time.Second, clock.New())
	require.NoError(t, other.Beat("running"))

	require.NoError(t, w.Run(context.Background()))

	processing, err := st.ListProcessing()
	require.NoError(t, err)
	require.Len(t, processing, 1)
	require.Equal(t, "studio-b", processing[0].ClaimedBy)
}

func TestRun_ForeignOrphanReclaimedWhenStale(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	name, err := st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)
	marker := name + ".studio-b.processing"
	require.NoError(t, os.Rename(
		filepath.Join(st.Layout().Pending(), name),
		filepath.Join(st.Layout().Processing(), marker)))

	// studio-b has no heartbeat at all: unknown owner, assume dead.
	require.NoError(t, w.Run(context.Background()))

	completed, err := os.ReadDir(st.Layout().Completed())
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

func TestRun_HandlerFailureWritesFailedRecord(t *testing.T) {
	cfg := testConfig(t)
	reg := NewRegistry()
	reg.Register("boom", HandlerFunc(func(context.Context, model.Task) (map[string]string, error) {
		return nil, fmt.Errorf("render farm on fire")
	}))
	w, st := newBoundedWatcher(t, cfg, reg)

	name, err := st.EnqueueTask(model.NewTask("boom", nil, time.Now()))
	require.NoError(t, err)

	// Handler failure is a failed task, not a watcher failure.
	require.NoError(t, w.Run(context.Background()))

	failed, err := os.ReadDir(st.Layout().Failed())
	require.NoError(t, err)
	require.Len(t, failed, 1)

	var rec model.Record
	require.NoError(t, yamlfile.Load(filepath.Join(st.Layout().Failed(), failed[0].Name()), &rec))
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "render farm on fire")
	require.Equal(t, name, rec.Trigger)
}

func TestRun_UnknownKindFails(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, NewRegistry())

	_, err := st.EnqueueTask(model.NewTask("mystery", nil, time.Now()))
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))

	failed, err := os.ReadDir(st.Layout().Failed())
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestRun_CorruptTaskQuarantined(t *testing.T) {
	cfg := testConfig(t)
	w, st := newBoundedWatcher(t, cfg, DefaultRegistry(""))

	bad := "task_1700000000_deadbeef.yaml"
	require.NoError(t, os.WriteFile(filepath.Join(st.Layout().Pending(), bad), []byte("{{{"), 0644))

	require.NoError(t, w.Run(context.Background()))

	quarantined, err := os.ReadDir(filepath.Join(cfg.Paths.StateRoot, "quarantine"))
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	pending, err := st.ListPending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRun_RequiresLayout(t *testing.T) {
	cfg := testConfig(t)
	w, err := New(Options{
		Config:   cfg,
		Mode:     model.ModeBounded,
		Registry: DefaultRegistry(""),
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	// No EnsureLayout: a missing contract must fail fast, not be created.
	require.Error(t, w.Run(context.Background()))
}

func TestNew_RejectsBadMode(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(Options{
		Config:   cfg,
		Mode:     model.ModeSupervisor,
		Registry: DefaultRegistry(""),
		Logger:   testLogger(),
	})
	require.Error(t, err)
}

func TestContinuousRun_PicksUpNewTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watcher.PollSeconds = 1
	st := store.New(cfg, testLogger(), clock.New())
	require.NoError(t, st.Layout().EnsureLayout())

	w, err := New(Options{
		Config:   cfg,
		Mode:     model.ModeContinuous,
		Registry: DefaultRegistry(""),
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Enqueue after startup: fsnotify or the next tick must pick it up.
	time.Sleep(100 * time.Millisecond)
	_, err = st.EnqueueTask(model.NewTask("noop", nil, time.Now()))
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for {
		completed, err := os.ReadDir(st.Layout().Completed())
		require.NoError(t, err)
		if len(completed) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task not processed within deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	require.NoError(t, <-done)
}

func TestExecHandler(t *testing.T) {
	h := &ExecHandler{ScratchRoot: t.TempDir()}
	out, err := h.Handle(context.Background(), model.NewTask("exec", map[string]string{"command": "echo stagehand"}, time.Now()))
	require.NoError(t, err)
	require.Contains(t, out["output"], "stagehand")

	_, err = h.Handle(context.Background(), model.NewTask("exec", nil, time.Now()))
	require.Error(t, err)
}

func TestHandlerReplay_SameClassification(t *testing.T) {
	// A stale-lease override or a launcher timeout can hand the same task
	// to a second worker, so replaying a handler with an identical payload
	// must land on the same outcome.
	scratch := t.TempDir()
	h := &ExecHandler{ScratchRoot: scratch}
	task := model.NewTask("exec", map[string]string{
		"command": "mkdir -p render/out && touch render/out/done",
	}, time.Now())

	_, first := h.Handle(context.Background(), task)
	require.NoError(t, first)
	_, replay := h.Handle(context.Background(), task)
	require.NoError(t, replay)
	require.FileExists(t, filepath.Join(scratch, "render", "out", "done"))

	// A failing payload replays to the same classification too.
	bad := model.NewTask("exec", map[string]string{"command": "exit 3"}, time.Now())
	_, first = h.Handle(context.Background(), bad)
	require.Error(t, first)
	_, replay = h.Handle(context.Background(), bad)
	require.Error(t, replay)
}
