package transport

import "time"

const (
	latencyAlpha = 0.3
	successAlpha = 0.2
)

// estimator keeps rolling link-health figures. Callers hold the driver lock.
type estimator struct {
	latency     time.Duration
	samples     int
	successRate float64
	signal      int
	signalKnown bool
}

func newEstimator() estimator {
	return estimator{successRate: 1}
}

func (e *estimator) observe(ok bool, latency time.Duration) {
	outcome := 0.0
	if ok {
		outcome = 1
	}
	e.successRate = (1-successAlpha)*e.successRate + successAlpha*outcome

	if !ok || latency <= 0 {
		return
	}
	if e.samples == 0 {
		e.latency = latency
	} else {
		e.latency = time.Duration((1-latencyAlpha)*float64(e.latency) + latencyAlpha*float64(latency))
	}
	e.samples++
}

func (e *estimator) observeSignal(q int, known bool) {
	e.signal, e.signalKnown = q, known
}

// latencyOr returns the rolling latency, or fallback before any sample.
func (e *estimator) latencyOr(fallback time.Duration) time.Duration {
	if e.samples == 0 {
		return fallback
	}
	return e.latency
}
