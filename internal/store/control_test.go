package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/stagehand/internal/model"
)

func TestEnqueueControl_NamePrefixIsKind(t *testing.T) {
	s, mock := newTestStore(t)

	name, err := s.EnqueueControl(model.NewControlRequest(model.ControlUpdateWithDeps, "studio-a", "operator", mock.Now()))
	require.NoError(t, err)

	prefix, _, err := model.ParseQueueName(name)
	require.NoError(t, err)
	require.Equal(t, "update-with-deps", prefix)
}

func TestEnqueueControl_InvalidKind(t *testing.T) {
	s, mock := newTestStore(t)
	req := model.NewControlRequest("reboot", "studio-a", "operator", mock.Now())
	_, err := s.EnqueueControl(req)
	require.Error(t, err)
}

func TestListControlPending_PriorityOrder(t *testing.T) {
	s, mock := newTestStore(t)

	// Enqueued restart first, update last; the listing still puts update
	// ahead because kind priority beats age.
	restart, err := s.EnqueueControl(model.NewControlRequest(model.ControlRestart, "studio-a", "", mock.Now()))
	require.NoError(t, err)
	mock.Add(time.Second)
	deps, err := s.EnqueueControl(model.NewControlRequest(model.ControlUpdateWithDeps, "studio-a", "", mock.Now()))
	require.NoError(t, err)
	mock.Add(time.Second)
	update, err := s.EnqueueControl(model.NewControlRequest(model.ControlUpdate, "studio-a", "", mock.Now()))
	require.NoError(t, err)

	names, err := s.ListControlPending()
	require.NoError(t, err)
	require.Equal(t, []string{update, deps, restart}, names)
}

func TestListControlPending_CreationOrderWithinKind(t *testing.T) {
	s, mock := newTestStore(t)

	first, err := s.EnqueueControl(model.NewControlRequest(model.ControlRestart, "studio-a", "", mock.Now()))
	require.NoError(t, err)
	mock.Add(time.Second)
	second, err := s.EnqueueControl(model.NewControlRequest(model.ControlRestart, "studio-b", "", mock.Now()))
	require.NoError(t, err)

	names, err := s.ListControlPending()
	require.NoError(t, err)
	require.Equal(t, []string{first, second}, names)
}

func TestClaimAndFinishControl(t *testing.T) {
	s, mock := newTestStore(t)
	name, err := s.EnqueueControl(model.NewControlRequest(model.ControlRestart, "studio-a", "operator", mock.Now()))
	require.NoError(t, err)

	cc, err := s.ClaimControl(name, "studio-a")
	require.NoError(t, err)
	require.Equal(t, model.ControlRestart, cc.Request.Kind)
	require.Equal(t, "studio-a", cc.Request.Identity)

	// Second claim loses the race.
	_, err = s.ClaimControl(name, "studio-b")
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	rec := model.NewRecord(name, "studio-a", "mini-1", model.StatusCompleted, mock.Now(), mock.Now(), "")
	require.NoError(t, s.FinishControl(cc, rec))

	completed, err := os.ReadDir(s.Layout().ControlCompleted())
	require.NoError(t, err)
	require.Len(t, completed, 1)

	processing, err := os.ReadDir(s.Layout().ControlProcessing())
	require.NoError(t, err)
	require.Empty(t, processing)
}

func TestReleaseControl(t *testing.T) {
	s, mock := newTestStore(t)
	name, err := s.EnqueueControl(model.NewControlRequest(model.ControlUpdate, "studio-b", "", mock.Now()))
	require.NoError(t, err)

	cc, err := s.ClaimControl(name, "studio-a")
	require.NoError(t, err)

	// Wrong machine: the claim goes back untouched for the right one.
	require.NoError(t, s.ReleaseControl(cc))

	names, err := s.ListControlPending()
	require.NoError(t, err)
	require.Equal(t, []string{name}, names)
}

func TestClaimControl_CorruptQuarantined(t *testing.T) {
	s, _ := newTestStore(t)
	name := "update_1700000000_deadbeef.yaml"
	require.NoError(t, os.WriteFile(
		s.Layout().ControlPending()+"/"+name, []byte("{{{"), 0644))

	_, err := s.ClaimControl(name, "studio-a")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyClaimed)

	quarantined, err := os.ReadDir(s.Layout().StateRoot + "/quarantine")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestHasPendingControl(t *testing.T) {
	s, mock := newTestStore(t)

	has, err := s.HasPendingControl()
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.EnqueueControl(model.NewControlRequest(model.ControlRestart, "studio-a", "", mock.Now()))
	require.NoError(t, err)

	has, err = s.HasPendingControl()
	require.NoError(t, err)
	require.True(t, has)
}
