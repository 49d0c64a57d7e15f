// Package idle exposes the host's time-since-last-human-input as a
// capability, so the launcher's decisions can be driven by a scripted
// double in tests.
package idle

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

// Prober reports how long the host has been without human input.
type Prober interface {
	IdleDuration() (time.Duration, error)
}

// SystemProber queries HIDIdleTime from the IOKit registry via ioreg.
type SystemProber struct{}

var hidIdleRegex = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

func (SystemProber) IdleDuration() (time.Duration, error) {
	out, err := exec.Command("ioreg", "-c", "IOHIDSystem", "-d", "4").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ioreg: %w", err)
	}
	m := hidIdleRegex.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
	}
	ns, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse HIDIdleTime: %w", err)
	}
	return time.Duration(ns), nil
}

// Script is a test double replaying a fixed sequence of samples. The last
// sample repeats once the script runs out.
type Script struct {
	Samples []time.Duration
	next    int
}

func (s *Script) IdleDuration() (time.Duration, error) {
	if len(s.Samples) == 0 {
		return 0, fmt.Errorf("empty idle script")
	}
	d := s.Samples[s.next]
	if s.next < len(s.Samples)-1 {
		s.next++
	}
	return d, nil
}
