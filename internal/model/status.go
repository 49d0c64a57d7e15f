package model

import "fmt"

// Status is the lifecycle state of a task or control request. A document
// is in exactly one state directory at any instant; the directory is the
// source of truth and these values only appear inside terminal records.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Mode describes how a process is scheduled, reported in heartbeats.
type Mode string

const (
	ModeContinuous    Mode = "continuous"
	ModeBounded       Mode = "bounded"
	ModeOpportunistic Mode = "opportunistic"
	ModeSupervisor    Mode = "supervisor"
)

// ControlKind is the maintenance operation a control request asks for.
// The three kinds map 1:1 onto request name prefixes and are claimed in
// the order listed here.
type ControlKind string

const (
	ControlUpdate         ControlKind = "update"
	ControlUpdateWithDeps ControlKind = "update-with-deps"
	ControlRestart        ControlKind = "restart"
)

// ControlKindPriority is the scan order for pending control requests.
var ControlKindPriority = []ControlKind{
	ControlUpdate,
	ControlUpdateWithDeps,
	ControlRestart,
}

var validControlKinds = map[ControlKind]bool{
	ControlUpdate:         true,
	ControlUpdateWithDeps: true,
	ControlRestart:        true,
}

func ValidateControlKind(k ControlKind) error {
	if !validControlKinds[k] {
		return fmt.Errorf("unknown control kind %q", k)
	}
	return nil
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// Directory moves are the only legal transitions. pending → processing is
// the claim; processing → pending is a stale-claim reclaim.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition: %q → %q", from, to)
	}
	return nil
}
