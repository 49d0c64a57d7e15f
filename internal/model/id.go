package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Queue entry names embed their creation time so that a plain name sort
// yields claim order: <prefix>_<unix seconds, 10 digits>_<hex8>.yaml
// The prefix is "task" for task requests or the control kind for control
// requests.

var nameRegex = regexp.MustCompile(`^([a-z][a-z-]*)_([0-9]{10})_([0-9a-f]{8})\.yaml$`)

// NewQueueName generates a collision-free queue entry file name.
func NewQueueName(prefix string, now time.Time) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("empty name prefix")
	}
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s.yaml", prefix, now.Unix(), hex.EncodeToString(randomBytes)), nil
}

func ValidQueueName(name string) bool {
	return nameRegex.MatchString(name)
}

// ParseQueueName splits a queue entry name into prefix and creation time.
func ParseQueueName(name string) (prefix string, created time.Time, err error) {
	m := nameRegex.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("invalid queue name: %s", name)
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse timestamp in %s: %w", name, err)
	}
	return m[1], time.Unix(ts, 0).UTC(), nil
}

// RecordStamp formats a timestamp for terminal record names. Seconds
// resolution is enough because record names also carry the identity.
func RecordStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
