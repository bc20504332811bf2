package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// FaultModel drives a SimLink. Rates are probabilities in [0,1].
type FaultModel struct {
	FailureRate        float64       `yaml:"failure_rate"`
	NoAckRate          float64       `yaml:"no_ack_rate"`
	AcquireFailureRate float64       `yaml:"acquire_failure_rate"`
	LatencyMin         time.Duration `yaml:"latency_min"`
	LatencyMax         time.Duration `yaml:"latency_max"`
	// Signal is the mean quality 0-100; negative means the medium has no
	// signal measure.
	Signal       int   `yaml:"signal"`
	SignalJitter int   `yaml:"signal_jitter"`
	Seed         int64 `yaml:"seed"`
}

var errSimDropped = errors.New("sim: link dropped")

// SimLink is an in-process medium with injectable faults. It stands in for
// hardware on the bench and in tests.
type SimLink struct {
	model FaultModel

	mu       sync.Mutex
	rng      *rand.Rand
	open     bool
	signal   *int
	script   []error
	sent     [][]byte
	params   map[string]string
	acks     int
	openings int
}

// NewSimLink builds a simulated link.
func NewSimLink(model FaultModel) *SimLink {
	seed := uint64(model.Seed)
	if model.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SimLink{
		model:  model,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		params: map[string]string{},
	}
}

func (l *SimLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openings++
	if l.roll(l.model.AcquireFailureRate) {
		return errors.New("sim: acquisition failed")
	}
	l.open = true
	return nil
}

func (l *SimLink) Configure(ctx context.Context, params map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range params {
		l.params[k] = v
	}
	return nil
}

// Transmit consumes a scripted error first, then rolls the fault model.
func (l *SimLink) Transmit(ctx context.Context, frame []byte) (string, error) {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return "", ErrNotConnected
	}
	var scripted error
	hasScript := len(l.script) > 0
	if hasScript {
		scripted, l.script = l.script[0], l.script[1:]
	}
	delay := l.latency()
	fail := !hasScript && l.roll(l.model.FailureRate)
	noAck := !hasScript && !fail && l.roll(l.model.NoAckRate)
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case scripted != nil:
		return "", scripted
	case fail:
		return "", errSimDropped
	case noAck:
		return "", ErrNoAck
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), frame...))
	l.acks++
	return "sim-" + strconv.Itoa(l.acks), nil
}

func (l *SimLink) Signal() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base := l.model.Signal
	if l.signal != nil {
		base = *l.signal
	}
	if base < 0 {
		return 0, false
	}
	q := base
	if j := l.model.SignalJitter; j > 0 {
		q += l.rng.IntN(2*j+1) - j
	}
	return min(max(q, 0), 100), true
}

func (l *SimLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	return nil
}

// FailNext scripts the outcome of the next transmissions, one error per
// call; a nil entry forces a success.
func (l *SimLink) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script = append(l.script, errs...)
}

// SetSignal overrides the mean signal; negative removes the measure.
func (l *SimLink) SetSignal(q int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signal = &q
}

// Sent returns copies of every acknowledged frame.
func (l *SimLink) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Params returns the channel parameters the driver configured.
func (l *SimLink) Params() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.params))
	for k, v := range l.params {
		out[k] = v
	}
	return out
}

// Openings counts Open calls.
func (l *SimLink) Openings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openings
}

func (l *SimLink) roll(p float64) bool {
	return p > 0 && l.rng.Float64() < p
}

func (l *SimLink) latency() time.Duration {
	lo, hi := l.model.LatencyMin, l.model.LatencyMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.rng.Int64N(int64(hi-lo)))
}
