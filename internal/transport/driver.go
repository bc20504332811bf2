package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Consecutive send failures before a driver downgrades itself.
const (
	degradeAfter = 3
	failAfter    = 6
)

// Step is one named stage of a medium's acquisition sequence.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// base implements Driver for every medium; the concrete drivers supply the
// characteristics and the acquisition steps.
type base struct {
	name  string
	kind  Kind
	chars Characteristics
	link  Link
	steps []Step
	log   *zap.Logger
	now   func() time.Time

	connMu sync.Mutex
	sendMu sync.Mutex

	mu       sync.RWMutex
	state    State
	est      estimator
	failures int
	lastErr  string
	updated  time.Time
}

func newBase(name string, kind Kind, chars Characteristics, link Link, log *zap.Logger) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{
		name:  name,
		kind:  kind,
		chars: chars,
		link:  link,
		log:   log.With(zap.String("transport", name)),
		now:   time.Now,
		est:   newEstimator(),
	}
}

func (d *base) Name() string { return d.name }
func (d *base) Kind() Kind   { return d.kind }

// Connect runs the acquisition steps in order. A failing step leaves the
// driver FAILED and returns a *ConnectionError naming the step.
func (d *base) Connect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.state0().Usable() {
		return nil
	}
	d.setState(StateConnecting, "")

	for _, s := range d.steps {
		start := d.now()
		if err := s.Run(ctx); err != nil {
			cerr := &ConnectionError{Transport: d.name, Step: s.Name, Err: err}
			d.setState(StateFailed, cerr.Error())
			d.log.Warn("connect step failed", zap.String("step", s.Name), zap.Error(err))
			return cerr
		}
		d.log.Debug("connect step done", zap.String("step", s.Name), zap.Duration("took", d.now().Sub(start)))
	}

	q, known := d.link.Signal()
	d.mu.Lock()
	d.state = StateReady
	d.failures = 0
	d.lastErr = ""
	d.est.observeSignal(q, known)
	d.updated = d.now()
	d.mu.Unlock()
	d.log.Info("transport ready", zap.Int("signal", q), zap.Bool("signal_known", known))
	return nil
}

// Send transmits frame over the link. It refuses frames above the payload
// limit and links below their signal floor without touching the medium.
func (d *base) Send(ctx context.Context, frame []byte) (Receipt, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if !d.state0().Usable() {
		return Receipt{}, &TransmissionError{Transport: d.name, Kind: LinkInterrupted, Err: ErrNotConnected}
	}

	q, known := d.link.Signal()
	if len(frame) > d.chars.MaxPayloadBytes {
		d.record(false, 0, q, known, nil)
		return Receipt{}, &TransmissionError{
			Transport: d.name,
			Kind:      PayloadTooLarge,
			Err:       fmt.Errorf("%d bytes exceeds %d", len(frame), d.chars.MaxPayloadBytes),
		}
	}
	if known && q < d.chars.MinSignal {
		err := &TransmissionError{
			Transport: d.name,
			Kind:      InsufficientSignal,
			Err:       fmt.Errorf("signal %d below floor %d", q, d.chars.MinSignal),
		}
		d.record(false, 0, q, known, err)
		return Receipt{}, err
	}

	start := d.now()
	ack, err := d.link.Transmit(ctx, frame)
	elapsed := d.now().Sub(start)
	q, known = d.link.Signal()
	if err != nil {
		terr := &TransmissionError{Transport: d.name, Kind: classify(err), Err: err}
		d.record(false, elapsed, q, known, terr)
		return Receipt{}, terr
	}
	d.record(true, elapsed, q, known, nil)

	return Receipt{
		Transport: d.name,
		Bytes:     len(frame),
		Latency:   elapsed,
		Cost:      float64(len(frame)) * d.chars.CostPerByte,
		AckID:     ack,
		At:        d.now(),
	}, nil
}

// record folds one attempt into the estimate and moves the state: a success
// restores READY, repeated failures degrade and then fail the link. A nil
// err with ok=false is an attempt refused before reaching the medium and
// does not count toward the failure streak.
func (d *base) record(ok bool, latency time.Duration, q int, known bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.est.observeSignal(q, known)
	d.updated = d.now()
	if ok {
		d.est.observe(true, latency)
		d.failures = 0
		d.lastErr = ""
		d.state = StateReady
		return
	}
	if err == nil {
		return
	}
	d.est.observe(false, latency)
	d.failures++
	d.lastErr = err.Error()
	prev := d.state
	switch {
	case d.failures >= failAfter:
		d.state = StateFailed
	case d.failures >= degradeAfter:
		d.state = StateDegraded
	}
	if prev != d.state {
		d.log.Warn("transport state changed",
			zap.Stringer("from", prev), zap.Stringer("to", d.state), zap.Int("failures", d.failures))
	}
}

// Probe refreshes the signal estimate; it is the periodic health check.
func (d *base) Probe(ctx context.Context) {
	q, known := d.link.Signal()
	d.mu.Lock()
	d.est.observeSignal(q, known)
	d.updated = d.now()
	d.mu.Unlock()
}

func (d *base) Status() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Name:            d.name,
		Kind:            d.kind,
		State:           d.state,
		MaxPayloadBytes: d.chars.MaxPayloadBytes,
		CostPerByte:     d.chars.CostPerByte,
		TypicalLatency:  d.est.latencyOr(d.chars.TypicalLatency),
		Signal:          d.est.signal,
		SignalKnown:     d.est.signalKnown,
		MinSignal:       d.chars.MinSignal,
		SuccessRate:     d.est.successRate,
		LastError:       d.lastErr,
		UpdatedAt:       d.updated,
	}
}

// Close tears the link down and returns the driver to DISCONNECTED.
func (d *base) Close() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	d.setState(StateDisconnected, "")
	if err := d.link.Close(); err != nil {
		return fmt.Errorf("transport %s: close: %w", d.name, err)
	}
	return nil
}

func (d *base) state0() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *base) setState(s State, lastErr string) {
	d.mu.Lock()
	d.state = s
	if lastErr != "" {
		d.lastErr = lastErr
	}
	d.updated = d.now()
	d.mu.Unlock()
}

// openStep opens the link.
func openStep(l Link) Step {
	return Step{Name: "open", Run: l.Open}
}

// configureStep hands channel parameters to links that accept them.
func configureStep(name string, l Link, params map[string]string) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		c, ok := l.(Configurer)
		if !ok {
			return nil
		}
		return c.Configure(ctx, params)
	}}
}

// signalStep polls the link until its signal reaches floor, doubling the
// wait between polls. Links without a signal measure pass immediately.
func signalStep(name string, l Link, floor, attempts int, delay time.Duration) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		if attempts <= 0 {
			attempts = 1
		}
		var q int
		for i := range attempts {
			var known bool
			q, known = l.Signal()
			if !known || q >= floor {
				return nil
			}
			if i == attempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay << i):
			}
		}
		return fmt.Errorf("signal %d below floor %d after %d polls", q, floor, attempts)
	}}
}
