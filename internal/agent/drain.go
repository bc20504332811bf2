package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/models"
	"github.com/zulandar/tidelink/internal/selector"
	"github.com/zulandar/tidelink/internal/transport"
)

var errNoLane = errors.New("no send lane")

type result struct {
	transport string
	bytes     int
	receipt   transport.Receipt
	elapsed   time.Duration
	err       error
}

// lane runs at most one send at a time on a driver. Waiting sends are
// served highest priority first, then in arrival order. Work that finds
// the lane busy stays in the queue until the lane goes idle.
type lane struct {
	driver  transport.Driver
	timeout time.Duration
	onIdle  func()

	mu      sync.Mutex
	busy    bool
	waiting []*ticket
}

// ticket is one claim on a lane. ready is closed once the claim holds it.
type ticket struct {
	prio  message.Priority
	ready chan struct{}
}

// tryReserve takes the lane only if nothing holds or waits for it.
func (l *lane) tryReserve(p message.Priority) *ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || len(l.waiting) > 0 {
		return nil
	}
	l.busy = true
	t := &ticket{prio: p, ready: make(chan struct{})}
	close(t.ready)
	return t
}

// reserve takes the lane if it is idle and otherwise queues a claim
// ahead of every lower priority.
func (l *lane) reserve(p message.Priority) *ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &ticket{prio: p, ready: make(chan struct{})}
	if !l.busy && len(l.waiting) == 0 {
		l.busy = true
		close(t.ready)
		return t
	}
	i := sort.Search(len(l.waiting), func(i int) bool { return l.waiting[i].prio < p })
	l.waiting = slices.Insert(l.waiting, i, t)
	return t
}

// await blocks until t holds the lane. A claim abandoned on ctx is
// dropped.
func (l *lane) await(ctx context.Context, t *ticket) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		l.drop(t)
		return ctx.Err()
	}
}

// drop gives up t: a waiting claim leaves the line, a held one releases
// the lane.
func (l *lane) drop(t *ticket) {
	l.mu.Lock()
	if i := slices.Index(l.waiting, t); i >= 0 {
		l.waiting = slices.Delete(l.waiting, i, i+1)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.release()
}

// release hands the lane to the next claim, or marks it idle.
func (l *lane) release() {
	l.mu.Lock()
	if len(l.waiting) > 0 {
		next := l.waiting[0]
		l.waiting = l.waiting[1:]
		l.mu.Unlock()
		close(next.ready)
		return
	}
	l.busy = false
	l.mu.Unlock()
	if l.onIdle != nil {
		l.onIdle()
	}
}

// send transmits frame once t holds the lane. The timeout starts when
// the lane is acquired.
func (l *lane) send(ctx context.Context, t *ticket, frame []byte) result {
	res := result{transport: l.driver.Name(), bytes: len(frame)}
	if err := l.await(ctx, t); err != nil {
		res.err = interrupted(res.transport, err)
		return res
	}
	defer l.release()
	if err := ctx.Err(); err != nil {
		res.err = interrupted(res.transport, err)
		return res
	}
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	res.receipt, res.err = l.driver.Send(sctx, frame)
	res.elapsed = time.Since(start)
	return res
}

func interrupted(name string, err error) error {
	return &transport.TransmissionError{Transport: name, Kind: transport.LinkInterrupted, Err: err}
}

// claimed pairs a transport with the lane ticket reserved for it.
type claimed struct {
	name   string
	snap   transport.Snapshot
	ticket *ticket
}

// DrainOnce runs one drain cycle over the ready messages in priority
// order. A message goes out only when its first-choice lane is idle, so
// the backlog stays in the queue; critical messages claim every lane in
// their plan and wait at the head of each. It returns the number of
// messages dispatched without waiting for their sends.
func (a *Agent) DrainOnce(ctx context.Context) int {
	a.gate.RLock()
	defer a.gate.RUnlock()
	if a.isClosed() {
		return 0
	}

	dispatched := 0
	for _, m := range a.queue.PeekReady(a.opts.Now()) {
		if ctx.Err() != nil {
			break
		}
		if !a.claim(m.ID) {
			continue
		}

		plan := selector.Select(a.reg.Snapshots(), m.Priority, a.opts.Weights)
		if plan.NoTransport() {
			a.unclaim(m.ID)
			a.log.Debug("no transport available", zap.String("id", m.ID), zap.Stringer("priority", m.Priority))
			continue
		}

		var claims []claimed
		if plan.Broadcast {
			for _, c := range plan.Candidates {
				claims = append(claims, claimed{name: c.Name, snap: c.Snapshot, ticket: a.reserve(c.Name, m.Priority, false)})
			}
		} else {
			first := plan.Candidates[0]
			t := a.reserve(first.Name, m.Priority, true)
			if t == nil {
				a.unclaim(m.ID)
				continue
			}
			claims = []claimed{{name: first.Name, snap: first.Snapshot, ticket: t}}
		}

		if err := a.queue.MarkSelecting(m.ID); err != nil {
			a.log.Debug("message no longer ready", zap.String("id", m.ID), zap.Error(err))
			a.abandon(claims)
			a.unclaim(m.ID)
			continue
		}

		dispatched++
		a.deliveries.Add(1)
		if plan.Broadcast {
			a.markBroadcast(m, plan)
			go func() {
				defer a.deliveries.Done()
				defer a.unclaim(m.ID)
				a.collect(ctx, m, claims)
			}()
			continue
		}
		go func() {
			defer a.deliveries.Done()
			defer a.unclaim(m.ID)
			a.sequence(ctx, m, plan, claims[0])
		}()
	}
	a.metrics.RecordQueueDepth(a.queue.Size())
	return dispatched
}

// reserve claims the lane for name. With idleOnly it returns nil when
// the lane is busy. A transport with no lane gets an unbacked ticket and
// fails when sent.
func (a *Agent) reserve(name string, p message.Priority, idleOnly bool) *ticket {
	l, ok := a.lanes[name]
	switch {
	case !ok:
		return &ticket{prio: p}
	case idleOnly:
		return l.tryReserve(p)
	default:
		return l.reserve(p)
	}
}

// abandon gives back lanes reserved for a message that was not sent.
func (a *Agent) abandon(claims []claimed) {
	for _, c := range claims {
		if l, ok := a.lanes[c.name]; ok {
			l.drop(c.ticket)
		}
	}
}

// claim marks id in flight; it fails if a delivery already owns it.
func (a *Agent) claim(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inflight[id]; ok {
		return false
	}
	a.inflight[id] = struct{}{}
	return true
}

func (a *Agent) unclaim(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

// InFlight reports whether a delivery currently owns id.
func (a *Agent) InFlight(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inflight[id]
	return ok
}

// transmit sends m over the claimed transport and waits for the result.
func (a *Agent) transmit(ctx context.Context, m *message.Message, c claimed) result {
	frame := a.frameFor(m, c.snap)
	l, ok := a.lanes[c.name]
	if !ok {
		return result{transport: c.name, bytes: len(frame), err: interrupted(c.name, errNoLane)}
	}
	return l.send(ctx, c.ticket, frame)
}

// sequence tries the plan in order, one transport at a time, and stops at
// the first success. An exhausted plan counts as one failed attempt.
func (a *Agent) sequence(ctx context.Context, m *message.Message, plan selector.Plan, first claimed) {
	var lastErr error
	c := first
	for i := 0; ; i++ {
		if err := a.queue.MarkTransmitting(m.ID, c.name); err != nil {
			a.log.Warn("mark transmitting", zap.String("id", m.ID), zap.Error(err))
		}
		res := a.transmit(ctx, m, c)
		a.record(m, res, false)
		if res.err == nil {
			a.complete(m, res)
			return
		}
		lastErr = res.err
		a.log.Info("send failed",
			zap.String("id", m.ID),
			zap.String("transport", res.transport),
			zap.Error(res.err))
		if i+1 >= len(plan.Candidates) || ctx.Err() != nil {
			break
		}
		next := plan.Candidates[i+1]
		c = claimed{name: next.Name, snap: next.Snapshot, ticket: a.reserve(next.Name, m.Priority, false)}
	}
	a.fail(ctx, m, lastErr)
}

// markBroadcast records that m is going out on every transport in plan.
func (a *Agent) markBroadcast(m *message.Message, plan selector.Plan) {
	names := plan.Names()
	if err := a.queue.MarkTransmitting(m.ID, strings.Join(names, ",")); err != nil {
		a.log.Warn("mark transmitting", zap.String("id", m.ID), zap.Error(err))
	}
	a.log.Info("broadcasting critical message", zap.String("id", m.ID), zap.Strings("transports", names))
}

// collect sends m on every claimed transport at once. Any success
// delivers the message; the first success in plan order is credited.
func (a *Agent) collect(ctx context.Context, m *message.Message, claims []claimed) {
	results := make([]result, len(claims))
	var g errgroup.Group
	for i, c := range claims {
		g.Go(func() error {
			results[i] = a.transmit(ctx, m, c)
			return nil
		})
	}
	_ = g.Wait()

	var (
		winner *result
		errs   []error
	)
	for i := range results {
		a.record(m, results[i], true)
		if results[i].err == nil {
			if winner == nil {
				winner = &results[i]
			}
			continue
		}
		errs = append(errs, results[i].err)
	}
	if winner != nil {
		a.complete(m, *winner)
		return
	}
	a.fail(ctx, m, &BroadcastError{Errs: errs})
}

func (a *Agent) complete(m *message.Message, res result) {
	if err := a.queue.MarkSent(m.ID, res.transport); err != nil {
		a.log.Error("mark sent", zap.String("id", m.ID), zap.Error(err))
		return
	}
	a.log.Info("message sent",
		zap.String("id", m.ID),
		zap.String("transport", res.transport),
		zap.String("ack", res.receipt.AckID),
		zap.Duration("latency", res.elapsed))
}

// fail counts a failed pass. A pass cut short by shutdown is released
// instead.
func (a *Agent) fail(ctx context.Context, m *message.Message, cause error) {
	if ctx.Err() != nil {
		if err := a.queue.Release(m.ID); err != nil {
			a.log.Error("release message", zap.String("id", m.ID), zap.Error(err))
		}
		return
	}
	dec, err := a.queue.MarkFailed(m.ID, cause)
	if err != nil {
		a.log.Error("mark failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if dec.Permanent {
		a.log.Warn("message failed permanently", zap.String("id", m.ID), zap.Int("attempts", dec.Attempts))
		return
	}
	a.log.Info("retry scheduled",
		zap.String("id", m.ID),
		zap.Int("attempts", dec.Attempts),
		zap.Time("next_retry_at", dec.NextRetryAt))
}

// record stores one send in the delivery history and the metrics.
func (a *Agent) record(m *message.Message, res result, broadcast bool) {
	row := &models.DeliveryAttempt{
		MessageID: m.ID,
		Transport: res.transport,
		Broadcast: broadcast,
		Success:   res.err == nil,
		Attempt:   m.Attempts + 1,
		Bytes:     res.bytes,
		LatencyMs: res.elapsed.Milliseconds(),
		CreatedAt: a.opts.Now(),
	}
	if res.err != nil {
		row.Error = res.err.Error()
		if kind, ok := transport.KindOf(res.err); ok {
			row.ErrorKind = kind.String()
		}
	} else {
		row.AckID = res.receipt.AckID
		row.Cost = res.receipt.Cost
	}
	if err := a.store.RecordAttempt(row); err != nil {
		a.log.Warn("record delivery attempt", zap.String("id", m.ID), zap.Error(err))
	}
	a.metrics.RecordAttempt(res.transport, res.err, res.elapsed)
}

// BroadcastError is the failure of every send of a critical message.
type BroadcastError struct {
	Errs []error
}

func (e *BroadcastError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("broadcast failed on %d transports: %s", len(e.Errs), strings.Join(parts, "; "))
}

func (e *BroadcastError) Unwrap() []error { return e.Errs }
