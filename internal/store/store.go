package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/msageha/stagehand/internal/lock"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/yamlfile"
)

// ErrAlreadyClaimed reports a lost claim race: another process moved the
// entry first. It is an expected outcome, not a failure.
var ErrAlreadyClaimed = errors.New("entry already claimed")

const (
	processingSuffix      = ".processing"
	defaultRetryAttempts  = 3
	defaultRetryBackoffMs = 500
	taskNamePrefix        = "task"
)

// Store is the queue primitive over the shared file store. Claims are
// atomic renames between state directories; all document writes go
// through temp-then-rename.
type Store struct {
	layout        Layout
	clk           clock.Clock
	log           *logging.Logger
	mu            *lock.MutexMap
	retryAttempts int
	retryBackoff  time.Duration
}

func New(cfg model.Config, lg *logging.Logger, clk clock.Clock) *Store {
	attempts := cfg.Watcher.ClaimRetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	backoffMs := cfg.Watcher.ClaimRetryBackoffMs
	if backoffMs <= 0 {
		backoffMs = defaultRetryBackoffMs
	}
	return &Store{
		layout:        NewLayout(cfg.Paths),
		clk:           clk,
		log:           lg,
		mu:            lock.NewMutexMap(),
		retryAttempts: attempts,
		retryBackoff:  time.Duration(backoffMs) * time.Millisecond,
	}
}

func (s *Store) Layout() Layout { return s.layout }

// renameWithRetry performs the atomic move that backs every claim and
// state transition. A vanished source means another process won the race.
// Anything else is treated as transient store trouble and retried with
// backoff before failing the current operation alone.
func (s *Store) renameWithRetry(src, dst string) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return ErrAlreadyClaimed
		}
		lastErr = err
		s.log.Warn("rename_retry attempt=%d/%d src=%s err=%v", attempt, s.retryAttempts, filepath.Base(src), err)
		if attempt < s.retryAttempts {
			s.clk.Sleep(s.retryBackoff)
		}
	}
	return fmt.Errorf("rename %s → %s after %d attempts: %w", src, dst, s.retryAttempts, lastErr)
}

// EnqueueTask writes a task request into pending under a collision-free
// generated name and returns that name.
func (s *Store) EnqueueTask(task model.Task) (string, error) {
	name, err := model.NewQueueName(taskNamePrefix, s.clk.Now())
	if err != nil {
		return "", err
	}
	s.mu.Lock(name)
	defer s.mu.Unlock(name)
	if err := yamlfile.AtomicWrite(filepath.Join(s.layout.Pending(), name), task); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return name, nil
}

// ListPending returns pending task names in claim order. Names embed
// their creation time, so the name sort is the creation sort and every
// worker sees the same order.
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.layout.Pending())
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !model.ValidQueueName(name) {
			continue
		}
		if prefix, _, err := model.ParseQueueName(name); err != nil || prefix != taskNamePrefix {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ClaimedTask is a successfully claimed task plus where its processing
// marker lives.
type ClaimedTask struct {
	Name       string
	MarkerName string
	Task       model.Task
}

// ClaimTask atomically moves one pending task into processing. The marker
// name records the claimer so orphans are attributable. Returns
// ErrAlreadyClaimed when another process got there first.
func (s *Store) ClaimTask(name, identity string) (*ClaimedTask, error) {
	marker := name + "." + identity + processingSuffix
	src := filepath.Join(s.layout.Pending(), name)
	dst := filepath.Join(s.layout.Processing(), marker)

	if err := s.renameWithRetry(src, dst); err != nil {
		return nil, err
	}

	var task model.Task
	err := yamlfile.Load(dst, &task)
	if err == nil {
		err = yamlfile.ValidateSchemaHeader(dst, model.FileTypeTask)
	}
	if err != nil {
		// Quarantine so the broken entry cannot wedge the reclaim scan.
		qpath, qerr := yamlfile.Quarantine(s.layout.StateRoot, dst)
		if qerr != nil {
			s.log.Error("quarantine_failed file=%s err=%v", marker, qerr)
		} else {
			s.log.Warn("task_quarantined file=%s moved_to=%s", marker, qpath)
		}
		return nil, fmt.Errorf("claimed task %s is unreadable: %w", name, err)
	}
	return &ClaimedTask{Name: name, MarkerName: marker, Task: task}, nil
}

// ProcessingEntry describes one claimed-but-unfinished task.
type ProcessingEntry struct {
	Marker    string
	TaskName  string
	ClaimedBy string
}

// ListProcessing parses the processing directory back into (task,
// claimer) pairs.
func (s *Store) ListProcessing() ([]ProcessingEntry, error) {
	entries, err := os.ReadDir(s.layout.Processing())
	if err != nil {
		return nil, fmt.Errorf("read processing dir: %w", err)
	}
	var out []ProcessingEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		marker := e.Name()
		if !strings.HasSuffix(marker, processingSuffix) {
			continue
		}
		trimmed := strings.TrimSuffix(marker, processingSuffix)
		// <task name>.yaml.<identity> — split at the .yaml. boundary so
		// identities containing dots stay intact.
		idx := strings.Index(trimmed, ".yaml.")
		if idx < 0 {
			continue
		}
		taskName, claimer := trimmed[:idx+len(".yaml")], trimmed[idx+len(".yaml."):]
		if !model.ValidQueueName(taskName) || claimer == "" {
			continue
		}
		out = append(out, ProcessingEntry{Marker: marker, TaskName: taskName, ClaimedBy: claimer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out, nil
}

// ReclaimTask moves an orphaned processing entry back to pending so any
// worker can claim it again. Safe under concurrent reclaimers: the rename
// succeeds at most once.
func (s *Store) ReclaimTask(entry ProcessingEntry) error {
	src := filepath.Join(s.layout.Processing(), entry.Marker)
	dst := filepath.Join(s.layout.Pending(), entry.TaskName)
	if err := s.renameWithRetry(src, dst); err != nil {
		return err
	}
	s.log.Warn("task_reclaimed task=%s previous_owner=%s", entry.TaskName, entry.ClaimedBy)
	return nil
}

// FinishTask writes the terminal record into completed/ or failed/ and
// removes the processing marker. The record is written first so a crash
// between the two steps can only leave extra evidence, never lose it.
func (s *Store) FinishTask(ct *ClaimedTask, rec model.Record) error {
	var dir string
	switch rec.Status {
	case model.StatusCompleted:
		dir = s.layout.Completed()
	case model.StatusFailed:
		dir = s.layout.Failed()
	default:
		return fmt.Errorf("record status must be terminal, got %q", rec.Status)
	}
	if err := model.ValidateTransition(model.StatusProcessing, rec.Status); err != nil {
		return err
	}

	recName := recordName(ct.Name, rec.Identity, s.clk.Now())
	if err := yamlfile.AtomicWrite(filepath.Join(dir, recName), rec); err != nil {
		return fmt.Errorf("write %s record: %w", rec.Status, err)
	}
	marker := filepath.Join(s.layout.Processing(), ct.MarkerName)
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove processing marker: %w", err)
	}
	return nil
}

// recordName builds the collision-free terminal record name
// <trigger>.<identity>.<stamp>.yaml.
func recordName(trigger, identity string, now time.Time) string {
	base := strings.TrimSuffix(trigger, ".yaml")
	return fmt.Sprintf("%s.%s.%s.yaml", base, identity, model.RecordStamp(now))
}

// CountTerminalRecords reports how many terminal records exist for a
// given trigger name, across completed and failed.
func (s *Store) CountTerminalRecords(trigger string) (int, error) {
	base := strings.TrimSuffix(trigger, ".yaml")
	count := 0
	for _, dir := range []string{s.layout.Completed(), s.layout.Failed()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), base+".") {
				count++
			}
		}
	}
	return count, nil
}
