// Package status scans the shared store and reports the fleet: every
// identity that has a heartbeat or a lease, its freshness, and the
// depth of the pending queues. Read-only; safe to run from any host.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/stagehand/internal/heartbeat"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
	"github.com/msageha/stagehand/internal/yamlfile"
)

const (
	defaultStaleAfterIntervals = 4
	defaultFreshnessSlackSec   = 30
)

// Identity is one worker identity's observed state.
type Identity struct {
	Identity     string `json:"identity"`
	Host         string `json:"host,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Status       string `json:"status,omitempty"`
	HeartbeatUTC string `json:"heartbeat_utc,omitempty"`
	AgeSeconds   int    `json:"age_seconds,omitempty"`
	Fresh        bool   `json:"fresh"`
	Stale        bool   `json:"stale"`
	LeaseHeld    bool   `json:"lease_held"`
	LeaseHost    string `json:"lease_host,omitempty"`
	LeasePID     int    `json:"lease_pid,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report is the full fleet snapshot.
type Report struct {
	UTC             string     `json:"utc"`
	Identities      []Identity `json:"identities"`
	PendingTasks    int        `json:"pending_tasks"`
	ProcessingTasks int        `json:"processing_tasks"`
	PendingControl  int        `json:"pending_control"`
}

// Scan gathers the fleet snapshot. Per-identity reads run concurrently;
// a share that stalls on one document does not serialize the whole scan.
func Scan(cfg model.Config, clk clock.Clock) (*Report, error) {
	layout := store.NewLayout(cfg.Paths)
	if err := layout.RequireLayout(); err != nil {
		return nil, fmt.Errorf("store contract: %w", err)
	}

	staleAfter := cfg.Watcher.StaleAfterIntervals
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfterIntervals
	}
	slackSec := cfg.Watcher.FreshnessSlackSec
	if slackSec <= 0 {
		slackSec = defaultFreshnessSlackSec
	}
	slack := time.Duration(slackSec) * time.Second
	now := clk.Now()

	identities, err := collectIdentities(layout)
	if err != nil {
		return nil, err
	}

	report := &Report{UTC: now.UTC().Format(time.RFC3339)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range identities {
		id := id
		g.Go(func() error {
			entry := inspectIdentity(layout, id, now, slack, staleAfter)
			mu.Lock()
			report.Identities = append(report.Identities, entry)
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		n, err := countEntries(layout.Pending())
		mu.Lock()
		report.PendingTasks = n
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		n, err := countEntries(layout.Processing())
		mu.Lock()
		report.ProcessingTasks = n
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		n, err := countEntries(layout.ControlPending())
		mu.Lock()
		report.PendingControl = n
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Identities, func(i, j int) bool {
		return report.Identities[i].Identity < report.Identities[j].Identity
	})
	return report, nil
}

// collectIdentities unions identities seen in heartbeats/ and leases/ so
// a crashed worker that left only a lease still shows up.
func collectIdentities(layout store.Layout) ([]string, error) {
	seen := make(map[string]struct{})
	for _, dir := range []string{layout.Heartbeats(), layout.Leases()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
				continue
			}
			seen[strings.TrimSuffix(name, ".yaml")] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func inspectIdentity(layout store.Layout, identity string, now time.Time, slack time.Duration, staleAfter int) Identity {
	entry := Identity{Identity: identity}

	hb, stamp, err := heartbeat.Load(layout.HeartbeatPath(identity))
	switch {
	case err == nil:
		entry.Host = hb.Host
		entry.PID = hb.PID
		entry.Mode = string(hb.Mode)
		entry.Status = hb.Status
		entry.HeartbeatUTC = hb.UTC
		entry.AgeSeconds = int(now.Sub(stamp) / time.Second)
		interval := heartbeat.Interval(hb)
		entry.Fresh = heartbeat.Fresh(now, stamp, interval, slack)
		entry.Stale = heartbeat.StaleBeyond(now, stamp, interval, slack, staleAfter)
	case errors.Is(err, fs.ErrNotExist):
		entry.Stale = true
	default:
		entry.Error = err.Error()
		entry.Stale = true
	}

	var lease model.Lease
	if lerr := yamlfile.Load(layout.LeasePath(identity), &lease); lerr == nil {
		entry.LeaseHeld = true
		entry.LeaseHost = lease.Host
		entry.LeasePID = lease.PID
	}
	return entry
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// WriteJSON emits the report as indented JSON for scripting.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteTable emits a human-readable summary.
func WriteTable(w io.Writer, r *Report) {
	fmt.Fprintf(w, "fleet status at %s\n", r.UTC)
	fmt.Fprintf(w, "queues: pending=%d processing=%d control_pending=%d\n\n",
		r.PendingTasks, r.ProcessingTasks, r.PendingControl)
	if len(r.Identities) == 0 {
		fmt.Fprintln(w, "no identities found")
		return
	}
	fmt.Fprintf(w, "%-20s %-14s %-8s %-13s %-7s %-6s %s\n",
		"IDENTITY", "HOST", "PID", "MODE", "AGE", "LEASE", "STATE")
	for _, id := range r.Identities {
		state := "fresh"
		if id.Stale {
			state = "stale"
		} else if !id.Fresh {
			state = "late"
		}
		if id.Error != "" {
			state = "unreadable"
		}
		lease := "-"
		if id.LeaseHeld {
			lease = "held"
		}
		age := "-"
		if id.HeartbeatUTC != "" {
			age = fmt.Sprintf("%ds", id.AgeSeconds)
		}
		fmt.Fprintf(w, "%-20s %-14s %-8d %-13s %-7s %-6s %s\n",
			id.Identity, orDash(id.Host), id.PID, orDash(id.Mode), age, lease, state)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
