package store

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/yamlfile"
)

func newTestLeaseKeeper(t *testing.T) (*LeaseKeeper, *clock.Mock) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Watcher.StaleAfterIntervals = 4
	cfg.Watcher.FreshnessSlackSec = 30
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	k := NewLeaseKeeper(cfg, testLogger(), mock)
	require.NoError(t, k.layout.EnsureLayout())
	return k, mock
}

// plantHeartbeat writes a heartbeat document stamped at the given time
// with a 30s declared interval.
func plantHeartbeat(t *testing.T, k *LeaseKeeper, identity string, stamp time.Time) {
	t.Helper()
	doc := model.Heartbeat{
		SchemaVersion: model.CurrentSchemaVersion,
		FileType:      model.FileTypeHeartbeat,
		Identity:      identity,
		Host:          "mini-1",
		PID:           4242,
		Session:       "other-session",
		Mode:          model.ModeContinuous,
		PollSeconds:   30,
		Status:        "running",
		UTC:           stamp.UTC().Format(time.RFC3339),
	}
	require.NoError(t, yamlfile.AtomicWrite(k.layout.HeartbeatPath(identity), doc))
}

func TestLeaseAcquireRelease(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)

	lease, err := k.Acquire("studio-a", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "studio-a", lease.Identity)
	require.Equal(t, "sess-1", lease.Session)

	require.NoError(t, k.Release("studio-a", "sess-1"))

	// Released means the next session acquires freely.
	_, err = k.Acquire("studio-a", "sess-2")
	require.NoError(t, err)
}

func TestLeaseAcquire_SameSessionReentry(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "sess-1")
	require.NoError(t, err)

	lease, err := k.Acquire("studio-a", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", lease.Session)
}

func TestLeaseAcquire_HeldByLiveOwner(t *testing.T) {
	k, mock := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "other-session")
	require.NoError(t, err)
	plantHeartbeat(t, k, "studio-a", mock.Now())

	_, err = k.Acquire("studio-a", "sess-2")
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestLeaseAcquire_LateButNotAbandoned(t *testing.T) {
	k, mock := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "other-session")
	require.NoError(t, err)
	plantHeartbeat(t, k, "studio-a", mock.Now())

	// 2 minutes: past freshness, inside the 4×30s+30s abandonment window.
	mock.Add(2 * time.Minute)
	_, err = k.Acquire("studio-a", "sess-2")
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestLeaseAcquire_StaleOverride(t *testing.T) {
	k, mock := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "other-session")
	require.NoError(t, err)
	plantHeartbeat(t, k, "studio-a", mock.Now())

	// Past the abandonment threshold the holder is presumed dead and the
	// lease is forcibly taken.
	mock.Add(151 * time.Second)
	lease, err := k.Acquire("studio-a", "sess-2")
	require.NoError(t, err)
	require.Equal(t, "sess-2", lease.Session)
}

func TestLeaseAcquire_NoHeartbeatMeansDead(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)

	// Lease exists but no heartbeat ever corroborated it: unknown owner,
	// assume dead, override immediately.
	_, err := k.Acquire("studio-a", "other-session")
	require.NoError(t, err)

	lease, err := k.Acquire("studio-a", "sess-2")
	require.NoError(t, err)
	require.Equal(t, "sess-2", lease.Session)
}

func TestLeaseRelease_WrongSessionNoop(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "sess-1")
	require.NoError(t, err)

	// A session that lost its lease to an override must not remove the
	// new owner's lease on its way out.
	require.NoError(t, k.Release("studio-a", "sess-2"))

	lease, err := k.Inspect("studio-a")
	require.NoError(t, err)
	require.Equal(t, "sess-1", lease.Session)
}

func TestLeaseRelease_AbsentNoop(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)
	require.NoError(t, k.Release("studio-a", "sess-1"))
}

func TestLeaseEvict(t *testing.T) {
	k, mock := newTestLeaseKeeper(t)

	_, err := k.Acquire("studio-a", "other-session")
	require.NoError(t, err)
	plantHeartbeat(t, k, "studio-a", mock.Now())

	// The heartbeat is seconds old, so a plain Acquire would refuse. A
	// caller that killed the holder itself evicts and hands the identity
	// straight to the replacement.
	_, err = k.Acquire("studio-a", "sess-2")
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, k.Evict("studio-a"))

	lease, err := k.Acquire("studio-a", "sess-2")
	require.NoError(t, err)
	require.Equal(t, "sess-2", lease.Session)
}

func TestLeaseEvict_AbsentNoop(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)
	require.NoError(t, k.Evict("studio-a"))
}

func TestHolderStale(t *testing.T) {
	k, mock := newTestLeaseKeeper(t)

	require.True(t, k.HolderStale("studio-a"), "no heartbeat means stale")

	plantHeartbeat(t, k, "studio-a", mock.Now())
	require.False(t, k.HolderStale("studio-a"))

	mock.Add(151 * time.Second)
	require.True(t, k.HolderStale("studio-a"))
}

func TestLeaseDocument_Fields(t *testing.T) {
	k, _ := newTestLeaseKeeper(t)
	_, err := k.Acquire("studio-a", "sess-1")
	require.NoError(t, err)

	lease, err := k.Inspect("studio-a")
	require.NoError(t, err)
	require.Equal(t, model.FileTypeLease, lease.FileType)
	require.Equal(t, model.CurrentSchemaVersion, lease.SchemaVersion)
	require.NotZero(t, lease.PID)
	require.NotEmpty(t, lease.Host)
	require.NotEmpty(t, lease.AcquiredAt)
}
