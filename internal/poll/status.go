package poll

import (
	"strings"
	"time"
)

// Status is the engine's reading of one status query.
type Status string

// Status values. StatusCancelled never comes from the server; it marks the
// cancellation event published on the bus.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
	StatusCancelled Status = "cancelled"
)

// Wire labels returned by the job server in the "result" field.
const (
	resultPending   = "pending"
	resultCompleted = "completed"
	resultError     = "error"
)

// ParseStatus maps a wire label to a Status. Labels are matched exactly;
// anything unrecognised is StatusUnknown.
func ParseStatus(raw string) Status {
	switch raw {
	case resultPending:
		return StatusPending
	case resultCompleted:
		return StatusCompleted
	case resultError:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// Terminal reports whether the status ends an epoch.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Event is one delivery on a session's notification bus.
type Event struct {
	Status        Status    `json:"status"`
	Raw           string    `json:"raw,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Epoch         uint64    `json:"epoch"`
	Attempt       int       `json:"attempt"`
	At            time.Time `json:"at"`
}

// String renders the event the way the CLI prints it.
func (e Event) String() string {
	if e.Status == StatusUnknown {
		return string(e.Status) + "(" + strings.TrimSpace(e.Raw) + ")"
	}
	return string(e.Status)
}

// State is the lifecycle state of a Session.
type State string

// Session states. Every state other than Idle and Polling is terminal.
const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s != StateIdle && s != StatePolling
}
