// Package message defines the outbound unit of work handled by the agent.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Priority controls both queue ordering and transport selection strategy.
// Higher values are more urgent.
type Priority int

// Priority tiers.
const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	return p >= Low && p <= Critical
}

// ParsePriority parses a priority name, case-insensitive.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return Low, nil
	case "NORMAL", "":
		return Normal, nil
	case "HIGH":
		return High, nil
	case "CRITICAL", "EMERGENCY":
		return Critical, nil
	default:
		return Normal, fmt.Errorf("message: unknown priority %q", s)
	}
}

// Status is the lifecycle state of a message.
type Status string

// Message statuses.
const (
	StatusQueued         Status = "QUEUED"
	StatusSelecting      Status = "SELECTING"
	StatusTransmitting   Status = "TRANSMITTING"
	StatusSent           Status = "SENT"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusFailed         Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// InFlight reports whether the drain cycle currently owns the message.
func (s Status) InFlight() bool {
	return s == StatusSelecting || s == StatusTransmitting
}

// Message is an outbound payload plus its delivery bookkeeping.
type Message struct {
	ID       string
	Payload  []byte
	Priority Priority
	Status   Status

	Attempts    int
	MaxAttempts int

	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time

	AssignedTransport string
	LastError         string

	// Method and Encoded cache the submit-time compression. Method is the
	// compress.Method name; kept as a string to avoid an import cycle.
	Method  string
	Encoded []byte

	// Seq orders messages created within the same clock tick.
	Seq uint64
}

// Clone returns a deep copy safe to hand out of the queue.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	if m.Encoded != nil {
		c.Encoded = append([]byte(nil), m.Encoded...)
	}
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// Before reports whether m sorts ahead of o in queue order: higher priority
// first, then older CreatedAt, then lower Seq.
func (m *Message) Before(o *Message) bool {
	if m.Priority != o.Priority {
		return m.Priority > o.Priority
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

// Ready reports whether the drain cycle may pick m up at now.
func (m *Message) Ready(now time.Time) bool {
	switch m.Status {
	case StatusQueued:
		return true
	case StatusRetryScheduled:
		return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
	default:
		return false
	}
}

// Outcome is reported once a message reaches a terminal status.
type Outcome struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"-"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Transport string    `json:"transport,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// OutcomeOf builds the outcome record for a terminal message.
func OutcomeOf(m *Message, at time.Time) Outcome {
	return Outcome{
		ID:        m.ID,
		Priority:  m.Priority,
		Status:    m.Status,
		Attempts:  m.Attempts,
		Transport: m.AssignedTransport,
		Error:     m.LastError,
		At:        at,
	}
}
