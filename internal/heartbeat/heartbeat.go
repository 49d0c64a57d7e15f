// Package heartbeat publishes and classifies per-identity liveness
// documents. Heartbeat freshness is the sole basis for liveness
// decisions; the process table is at most a secondary signal.
package heartbeat

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/yamlfile"
)

// Publisher rewrites one identity's heartbeat document each cycle.
type Publisher struct {
	path     string
	identity string
	host     string
	pid      int
	session  string
	mode     model.Mode
	interval time.Duration
	clk      clock.Clock
}

func NewPublisher(path, identity, session string, mode model.Mode, interval time.Duration, clk clock.Clock) *Publisher {
	host, _ := os.Hostname()
	return &Publisher{
		path:     path,
		identity: identity,
		host:     host,
		pid:      os.Getpid(),
		session:  session,
		mode:     mode,
		interval: interval,
		clk:      clk,
	}
}

// Beat writes a full heartbeat document via temp-then-rename.
func (p *Publisher) Beat(status string) error {
	doc := model.Heartbeat{
		SchemaVersion: model.CurrentSchemaVersion,
		FileType:      model.FileTypeHeartbeat,
		Identity:      p.identity,
		Host:          p.host,
		PID:           p.pid,
		Session:       p.session,
		Mode:          p.mode,
		PollSeconds:   int(p.interval / time.Second),
		Status:        status,
		UTC:           p.clk.Now().UTC().Format(time.RFC3339),
	}
	if err := yamlfile.AtomicWrite(p.path, doc); err != nil {
		return fmt.Errorf("write heartbeat %s: %w", p.path, err)
	}
	return nil
}

// Fresh reports whether a heartbeat written at stamp, with the declared
// poll interval, still proves liveness at now. The bound is
// 2×interval + slack: one missed cycle is tolerated, two are not.
func Fresh(now, stamp time.Time, interval, slack time.Duration) bool {
	return now.Sub(stamp) <= 2*interval+slack
}

// StaleBeyond reports whether the heartbeat age exceeds the abandonment
// threshold multiplier×interval + slack. This is the lease-override test;
// it is deliberately looser than !Fresh so a briefly late worker is
// reported dead to observers before anyone steals its lease.
func StaleBeyond(now, stamp time.Time, interval, slack time.Duration, multiplier int) bool {
	return now.Sub(stamp) > time.Duration(multiplier)*interval+slack
}

// Load reads a heartbeat document and parses its timestamp. A missing
// file is returned as os.ErrNotExist: callers treat that as
// "unknown, assume dead".
func Load(path string) (*model.Heartbeat, time.Time, error) {
	var doc model.Heartbeat
	if err := yamlfile.Load(path, &doc); err != nil {
		return nil, time.Time{}, err
	}
	stamp, err := time.Parse(time.RFC3339, doc.UTC)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse heartbeat timestamp %q: %w", doc.UTC, err)
	}
	if doc.PollSeconds <= 0 {
		return nil, time.Time{}, fmt.Errorf("heartbeat %s: poll_seconds must be positive", path)
	}
	return &doc, stamp, nil
}

// Interval returns the declared poll interval of a loaded heartbeat.
func Interval(doc *model.Heartbeat) time.Duration {
	return time.Duration(doc.PollSeconds) * time.Second
}
