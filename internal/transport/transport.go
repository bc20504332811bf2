// Package transport owns the physical links a vessel can reach the shore
// over: short-range radio, cellular, satellite and local wireless. Each
// Driver runs its medium's acquisition sequence, serializes sends, and keeps
// a rolling estimate of the link's health for the selector.
package transport

import (
	"context"
	"time"
)

// Kind identifies the medium behind a driver.
type Kind string

// Supported media.
const (
	KindRadio     Kind = "radio"
	KindCellular  Kind = "cellular"
	KindSatellite Kind = "satellite"
	KindWifi      Kind = "wifi"
)

// State is a driver's connection state. Only the driver writes it.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	case StateFailed:
		return "FAILED"
	default:
		return "DISCONNECTED"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Usable reports whether a transport in this state may be offered for
// sending.
func (s State) Usable() bool {
	return s == StateReady || s == StateDegraded
}

// Characteristics are the static properties of a configured link.
type Characteristics struct {
	MaxPayloadBytes int
	CostPerByte     float64
	TypicalLatency  time.Duration
	// MinSignal is the usability floor; a known signal below it excludes the
	// transport from selection and fails sends with InsufficientSignal.
	MinSignal int
}

// Snapshot is a point-in-time view of a driver, read by the selector.
type Snapshot struct {
	Name            string        `json:"name"`
	Kind            Kind          `json:"kind"`
	State           State         `json:"state"`
	MaxPayloadBytes int           `json:"max_payload_bytes"`
	CostPerByte     float64       `json:"cost_per_byte"`
	TypicalLatency  time.Duration `json:"typical_latency"`
	Signal          int           `json:"signal"`
	SignalKnown     bool          `json:"signal_known"`
	MinSignal       int           `json:"min_signal"`
	SuccessRate     float64       `json:"success_rate"`
	LastError       string        `json:"last_error,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Usable reports whether the selector may offer this transport: it must be
// READY or DEGRADED and not below its signal floor.
func (s Snapshot) Usable() bool {
	if !s.State.Usable() {
		return false
	}
	return !s.SignalKnown || s.Signal >= s.MinSignal
}

// Receipt confirms a delivered frame.
type Receipt struct {
	Transport string        `json:"transport"`
	Bytes     int           `json:"bytes"`
	Latency   time.Duration `json:"latency"`
	Cost      float64       `json:"cost"`
	AckID     string        `json:"ack_id,omitempty"`
	At        time.Time     `json:"at"`
}

// Driver owns one physical link.
type Driver interface {
	Name() string
	Kind() Kind
	// Connect runs the acquisition sequence. It is a no-op when already
	// READY or DEGRADED. Failures are *ConnectionError.
	Connect(ctx context.Context) error
	// Send transmits one frame. Calls on the same driver are serialized.
	// Failures are *TransmissionError.
	Send(ctx context.Context, frame []byte) (Receipt, error)
	Status() Snapshot
	Close() error
}

// Prober is implemented by drivers that can refresh their signal estimate
// without sending.
type Prober interface {
	Probe(ctx context.Context)
}

// Link is the medium a driver talks through: a modem bridge, a websocket to
// the shore gateway, an HTTP uplink, or a simulation.
type Link interface {
	Open(ctx context.Context) error
	// Transmit sends one frame and waits for the far end to confirm it.
	// ErrNoAck means the frame left but was not acknowledged.
	Transmit(ctx context.Context, frame []byte) (ackID string, err error)
	// Signal returns link quality 0-100; known is false when the medium has
	// no meaningful signal measure.
	Signal() (quality int, known bool)
	Close() error
}

// Configurer is implemented by links that accept channel parameters during
// acquisition (frequency, APN, satellite system).
type Configurer interface {
	Configure(ctx context.Context, params map[string]string) error
}
