package timer

import (
	"context"
	"time"
)

type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitialized, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

type Kind string

const (
	KindCountdown Kind = "countdown"
	KindInterval  Kind = "interval"
)

// ParseKind maps a stored kind to a Kind, defaulting to countdown.
func ParseKind(s string) Kind {
	if Kind(s) == KindInterval {
		return KindInterval
	}
	return KindCountdown
}

// Callback runs once when a timer completes naturally.
type Callback func(ctx context.Context, t *Timer) error

// Event identifies a state transition reported to an Observer.
type Event string

const (
	EventStarted        Event = "started"
	EventPaused         Event = "paused"
	EventCompleted      Event = "completed"
	EventReset          Event = "reset"
	EventCallbackFailed Event = "callback_failed"
)

// Observer is notified after a transition has been committed. It is never
// called with the timer's lock held.
type Observer func(t *Timer, ev Event)

// Snapshot is a point-in-time copy of a timer's state.
//
// Remaining is the committed countdown: for a running timer it is the value
// at StartedAt, not the live remainder (see Timer.Remaining).
type Snapshot struct {
	ID          string
	Name        string
	OwnerID     string
	Kind        Kind
	Status      Status
	Duration    time.Duration
	Remaining   time.Duration
	StartedAt   time.Time
	CompletedAt time.Time
}
