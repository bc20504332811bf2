package transport

import (
	"errors"
	"fmt"
)

// Link-level sentinel errors. Links wrap these; drivers classify them.
var (
	ErrNoAck           = errors.New("transport: no acknowledgement")
	ErrNotConnected    = errors.New("transport: not connected")
	ErrPayloadRejected = errors.New("transport: payload rejected as too large")
)

// ErrorKind classifies a failed send.
type ErrorKind int

// Transmission failure kinds.
const (
	NoAcknowledgement ErrorKind = iota
	LinkInterrupted
	InsufficientSignal
	PayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case NoAcknowledgement:
		return "no acknowledgement"
	case LinkInterrupted:
		return "link interrupted"
	case InsufficientSignal:
		return "insufficient signal"
	case PayloadTooLarge:
		return "payload too large"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// TransmissionError is a per-attempt send failure.
type TransmissionError struct {
	Transport string
	Kind      ErrorKind
	Err       error
}

func (e *TransmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Transport, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Kind, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// ConnectionError reports that a transport could not reach READY.
type ConnectionError struct {
	Transport string
	Step      string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport %s: connect: %s: %v", e.Transport, e.Step, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, reporting false when err is not a
// *TransmissionError.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransmissionError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// classify maps a link error to a transmission kind. Everything that is not
// an explicit missing ack or rejection, including an exceeded send deadline,
// counts as an interrupted link.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNoAck):
		return NoAcknowledgement
	case errors.Is(err, ErrPayloadRejected):
		return PayloadTooLarge
	default:
		return LinkInterrupted
	}
}
