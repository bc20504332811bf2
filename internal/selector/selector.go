// Package selector ranks the usable transports for a message.
package selector

import (
	"errors"
	"sort"
	"time"

	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/transport"
)

// ErrNoTransport means no transport is currently usable.
var ErrNoTransport = errors.New("selector: no usable transport")

// unknownSignal scores a medium without a signal measure as middling.
const unknownSignal = 0.5

// Profile weighs the scoring terms. Weights need not sum to one.
type Profile struct {
	Cost        float64 `yaml:"cost"`
	Latency     float64 `yaml:"latency"`
	Signal      float64 `yaml:"signal"`
	Reliability float64 `yaml:"reliability"`
}

// Weights holds the profile for routine traffic (LOW, NORMAL), the profile
// for HIGH traffic, and the score deducted from a DEGRADED transport.
type Weights struct {
	Standard        Profile `yaml:"standard"`
	Urgent          Profile `yaml:"urgent"`
	DegradedPenalty float64 `yaml:"degraded_penalty"`
}

// DefaultWeights favours cheap and fast links for routine traffic and
// reliable, strong links for HIGH.
func DefaultWeights() Weights {
	return Weights{
		Standard:        Profile{Cost: 0.5, Latency: 0.3, Signal: 0.2},
		Urgent:          Profile{Cost: 0.1, Latency: 0.2, Signal: 0.3, Reliability: 0.4},
		DegradedPenalty: 0.15,
	}
}

// Candidate is one transport in a plan.
type Candidate struct {
	transport.Snapshot
	Score float64 `json:"score"`
}

// Plan is the selector's answer. A broadcast plan sends to every candidate
// at once; otherwise candidates are tried in order.
type Plan struct {
	Candidates []Candidate `json:"candidates"`
	Broadcast  bool        `json:"broadcast"`
}

// NoTransport reports an empty plan.
func (p Plan) NoTransport() bool { return len(p.Candidates) == 0 }

// Err returns ErrNoTransport for an empty plan.
func (p Plan) Err() error {
	if p.NoTransport() {
		return ErrNoTransport
	}
	return nil
}

// Names lists the candidate transports in plan order.
func (p Plan) Names() []string {
	out := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		out[i] = c.Name
	}
	return out
}

// Select filters snaps to usable transports and orders them for priority.
// CRITICAL yields a broadcast over the whole usable set.
func Select(snaps []transport.Snapshot, p message.Priority, w Weights) Plan {
	var usable []transport.Snapshot
	for _, s := range snaps {
		if s.Usable() {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return Plan{}
	}

	prof := w.Standard
	if p == message.High {
		prof = w.Urgent
	}
	var maxCost float64
	var maxLat time.Duration
	for _, s := range usable {
		maxCost = max(maxCost, s.CostPerByte)
		maxLat = max(maxLat, s.TypicalLatency)
	}

	cands := make([]Candidate, len(usable))
	for i, s := range usable {
		cands[i] = Candidate{Snapshot: s, Score: score(s, prof, maxCost, maxLat)}
		if s.State == transport.StateDegraded {
			cands[i].Score -= w.DegradedPenalty
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Name < cands[j].Name
	})

	return Plan{Candidates: cands, Broadcast: p == message.Critical}
}

func score(s transport.Snapshot, prof Profile, maxCost float64, maxLat time.Duration) float64 {
	costN, latN := 0.0, 0.0
	if maxCost > 0 {
		costN = s.CostPerByte / maxCost
	}
	if maxLat > 0 {
		latN = float64(s.TypicalLatency) / float64(maxLat)
	}
	sig := unknownSignal
	if s.SignalKnown {
		sig = float64(s.Signal) / 100
	}
	return prof.Cost*(1-costN) +
		prof.Latency*(1-latN) +
		prof.Signal*sig +
		prof.Reliability*s.SuccessRate
}
