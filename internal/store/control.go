package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/yamlfile"
)

// EnqueueControl writes a control request into control/pending. The name
// prefix is the kind, so the priority scan works off names alone.
func (s *Store) EnqueueControl(req model.ControlRequest) (string, error) {
	if err := model.ValidateControlKind(req.Kind); err != nil {
		return "", err
	}
	name, err := model.NewQueueName(string(req.Kind), s.clk.Now())
	if err != nil {
		return "", err
	}
	s.mu.Lock(name)
	defer s.mu.Unlock(name)
	if err := yamlfile.AtomicWrite(filepath.Join(s.layout.ControlPending(), name), req); err != nil {
		return "", fmt.Errorf("enqueue control request: %w", err)
	}
	return name, nil
}

// ListControlPending returns pending request names ordered by kind
// priority (update, update-with-deps, restart) and creation order within
// a kind.
func (s *Store) ListControlPending() ([]string, error) {
	entries, err := os.ReadDir(s.layout.ControlPending())
	if err != nil {
		return nil, fmt.Errorf("read control pending dir: %w", err)
	}

	byKind := make(map[model.ControlKind][]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !model.ValidQueueName(name) {
			continue
		}
		prefix, _, err := model.ParseQueueName(name)
		if err != nil {
			continue
		}
		kind := model.ControlKind(prefix)
		if model.ValidateControlKind(kind) != nil {
			continue
		}
		byKind[kind] = append(byKind[kind], name)
	}

	var names []string
	for _, kind := range model.ControlKindPriority {
		ks := byKind[kind]
		sort.Strings(ks)
		names = append(names, ks...)
	}
	return names, nil
}

// ClaimedControl is a claimed control request plus its processing marker.
type ClaimedControl struct {
	Name       string
	MarkerName string
	Request    model.ControlRequest
}

// ClaimControl atomically claims one pending control request.
func (s *Store) ClaimControl(name, identity string) (*ClaimedControl, error) {
	marker := name + "." + identity + processingSuffix
	src := filepath.Join(s.layout.ControlPending(), name)
	dst := filepath.Join(s.layout.ControlProcessing(), marker)

	if err := s.renameWithRetry(src, dst); err != nil {
		return nil, err
	}

	var req model.ControlRequest
	err := yamlfile.Load(dst, &req)
	if err == nil {
		err = yamlfile.ValidateSchemaHeader(dst, model.FileTypeControlRequest)
	}
	if err != nil {
		qpath, qerr := yamlfile.Quarantine(s.layout.StateRoot, dst)
		if qerr != nil {
			s.log.Error("quarantine_failed file=%s err=%v", marker, qerr)
		} else {
			s.log.Warn("control_quarantined file=%s moved_to=%s", marker, qpath)
		}
		return nil, fmt.Errorf("claimed control request %s is unreadable: %w", name, err)
	}
	return &ClaimedControl{Name: name, MarkerName: marker, Request: req}, nil
}

// ReleaseControl returns a claimed request to pending untouched, for a
// supervisor that claimed a request targeting another machine's worker.
func (s *Store) ReleaseControl(cc *ClaimedControl) error {
	src := filepath.Join(s.layout.ControlProcessing(), cc.MarkerName)
	dst := filepath.Join(s.layout.ControlPending(), cc.Name)
	return s.renameWithRetry(src, dst)
}

// FinishControl writes the terminal record and removes the processing
// marker, mirroring FinishTask.
func (s *Store) FinishControl(cc *ClaimedControl, rec model.Record) error {
	var dir string
	switch rec.Status {
	case model.StatusCompleted:
		dir = s.layout.ControlCompleted()
	case model.StatusFailed:
		dir = s.layout.ControlFailed()
	default:
		return fmt.Errorf("record status must be terminal, got %q", rec.Status)
	}

	recName := recordName(cc.Name, rec.Identity, s.clk.Now())
	if err := yamlfile.AtomicWrite(filepath.Join(dir, recName), rec); err != nil {
		return fmt.Errorf("write %s control record: %w", rec.Status, err)
	}
	marker := filepath.Join(s.layout.ControlProcessing(), cc.MarkerName)
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove control processing marker: %w", err)
	}
	return nil
}

// HasPendingControl reports whether any claimable request exists, letting
// the supervisor exit as a no-op without touching anything else.
func (s *Store) HasPendingControl() (bool, error) {
	names, err := s.ListControlPending()
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}
