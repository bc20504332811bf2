// Package agent is the vessel's single entry point for outbound traffic. It
// accepts payloads, keeps them in the durable queue, and drains the queue
// over whichever transports the selector offers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/tidelink/internal/compress"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/metrics"
	"github.com/zulandar/tidelink/internal/models"
	"github.com/zulandar/tidelink/internal/queue"
	"github.com/zulandar/tidelink/internal/selector"
	"github.com/zulandar/tidelink/internal/transport"
	"github.com/zulandar/tidelink/internal/wire"
)

// Agent defaults.
const (
	DefaultDrainInterval = 5 * time.Second
	DefaultSendTimeout   = 30 * time.Second
	DefaultMaintenance   = "@every 1m"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store is the queue's durable store plus the per-transport delivery history.
type Store interface {
	queue.Store
	RecordAttempt(a *models.DeliveryAttempt) error
	Attempts(id string) ([]models.DeliveryAttempt, error)
}

// Options configures New.
type Options struct {
	Registry *transport.Registry
	// Pipeline defaults to a pipeline with every method enabled.
	Pipeline *compress.Pipeline
	// Store defaults to an in-memory store that forgets on restart.
	Store Store
	// Queue sizes the transmission queue. Store, OnTerminal, Logger and Now
	// are set by New.
	Queue           queue.Options
	Weights         selector.Weights
	MaxCompressTime time.Duration
	SendTimeout     time.Duration
	DrainInterval   time.Duration
	// Maintenance is the cron schedule for reconnects, probes and expiry.
	Maintenance string
	Metrics     *metrics.Metrics
	// OnOutcome is called for every message that reaches SENT or FAILED.
	OnOutcome func(message.Outcome)
	// PublishTransports receives the transport snapshots after maintenance.
	PublishTransports func([]transport.Snapshot) error
	Logger            *zap.Logger
	Now               func() time.Time
}

// Agent submits, tracks and delivers messages.
type Agent struct {
	opts     Options
	log      *zap.Logger
	reg      *transport.Registry
	pipe     *compress.Pipeline
	store    Store
	queue    *queue.Queue
	metrics  *metrics.Metrics
	schedule cron.Schedule
	lanes    map[string]*lane
	kick     chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	subs     map[int]chan message.Outcome
	nextSub  int
	closed   bool

	// gate keeps Close from overlapping a drain cycle.
	gate       sync.RWMutex
	deliveries sync.WaitGroup
}

// StatusReport is the caller-visible state of a message.
type StatusReport struct {
	ID                string         `json:"id"`
	Status            message.Status `json:"status"`
	Priority          string         `json:"priority"`
	Attempts          int            `json:"attempts"`
	MaxAttempts       int            `json:"max_attempts"`
	AssignedTransport string         `json:"assigned_transport,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	Method            string         `json:"method,omitempty"`
	Size              int            `json:"size"`
	EncodedSize       int            `json:"encoded_size"`
	CreatedAt         time.Time      `json:"created_at"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"`
	NextRetryAt       *time.Time     `json:"next_retry_at,omitempty"`
	History           []Attempt      `json:"history,omitempty"`
}

// Attempt is one send of a message over one transport.
type Attempt struct {
	Transport string        `json:"transport"`
	Attempt   int           `json:"attempt"`
	Broadcast bool          `json:"broadcast,omitempty"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	AckID     string        `json:"ack_id,omitempty"`
	Bytes     int           `json:"bytes"`
	Latency   time.Duration `json:"latency"`
	Cost      float64       `json:"cost"`
	At        time.Time     `json:"at"`
}

// New builds an agent and restores the persisted queue. Drivers must all be
// registered before New; each gets its own send lane.
func New(opts Options) (*Agent, error) {
	if opts.Registry == nil {
		return nil, errors.New("agent: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pipeline == nil {
		p, err := compress.New(compress.Options{Logger: opts.Logger})
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		opts.Pipeline = p
	}
	if opts.Store == nil {
		opts.Store = newMemStore()
	}
	if opts.Weights == (selector.Weights{}) {
		opts.Weights = selector.DefaultWeights()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.Maintenance == "" {
		opts.Maintenance = DefaultMaintenance
	}
	sched, err := cronParser.Parse(opts.Maintenance)
	if err != nil {
		return nil, fmt.Errorf("agent: maintenance schedule %q: %w", opts.Maintenance, err)
	}

	a := &Agent{
		opts:     opts,
		log:      opts.Logger,
		reg:      opts.Registry,
		pipe:     opts.Pipeline,
		store:    opts.Store,
		metrics:  opts.Metrics,
		schedule: sched,
		lanes:    map[string]*lane{},
		kick:     make(chan struct{}, 1),
		inflight: map[string]struct{}{},
		subs:     map[int]chan message.Outcome{},
	}

	qopts := opts.Queue
	qopts.Store = opts.Store
	qopts.OnTerminal = a.terminal
	qopts.Logger = opts.Logger.Named("queue")
	qopts.Now = opts.Now
	a.queue = queue.New(qopts)
	n, err := a.queue.Load()
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if n > 0 {
		a.log.Info("restored queued messages", zap.Int("count", n))
	}

	for _, d := range a.reg.Drivers() {
		a.lanes[d.Name()] = &lane{driver: d, timeout: opts.SendTimeout, onIdle: a.wake}
	}
	a.metrics.RecordQueueDepth(a.queue.Size())
	return a, nil
}

// Queue exposes the transmission queue for inspection.
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Registry exposes the transport registry for inspection.
func (a *Agent) Registry() *transport.Registry { return a.reg }

// PayloadSizeError rejects a payload the receiving end could not decode.
type PayloadSizeError struct {
	Size  int
	Limit int
}

func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("agent: payload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// Submit accepts a payload for delivery and returns its id without waiting
// for transmission. Caller-visible failures are an oversize payload
// (*PayloadSizeError), a full queue (*queue.CapacityError) and store errors.
func (a *Agent) Submit(payload []byte, p message.Priority) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("agent: submit: invalid priority %d", p)
	}
	if limit := a.pipe.MaxPayloadSize(); len(payload) > limit {
		return "", &PayloadSizeError{Size: len(payload), Limit: limit}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("agent: submit: %w", err)
	}

	m := &message.Message{
		ID:        id.String(),
		Payload:   append([]byte(nil), payload...),
		Priority:  p,
		CreatedAt: a.opts.Now(),
	}
	res := a.encode(m.Payload, a.reg.MaxPayload())
	m.Method = string(res.Method)
	m.Encoded = res.Encoded

	if err := a.queue.Enqueue(m); err != nil {
		return "", fmt.Errorf("agent: submit: %w", err)
	}
	a.metrics.RecordSubmitted(p)
	a.metrics.RecordQueueDepth(a.queue.Size())
	a.log.Debug("message submitted",
		zap.String("id", m.ID),
		zap.Stringer("priority", p),
		zap.Int("size", len(payload)),
		zap.String("method", m.Method),
		zap.Int("encoded", len(m.Encoded)))

	a.wake()
	return m.ID, nil
}

// wake asks Run for a drain cycle.
func (a *Agent) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Status reports a message, whether still queued or already finished.
func (a *Agent) Status(id string) (StatusReport, error) {
	m, err := a.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		m, err = a.store.Get(id)
	}
	if err != nil {
		return StatusReport{}, fmt.Errorf("agent: status %s: %w", id, err)
	}

	r := StatusReport{
		ID:                m.ID,
		Status:            m.Status,
		Priority:          m.Priority.String(),
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		AssignedTransport: m.AssignedTransport,
		LastError:         m.LastError,
		Method:            m.Method,
		Size:              len(m.Payload),
		EncodedSize:       len(m.Encoded),
		CreatedAt:         m.CreatedAt,
		LastAttemptAt:     m.LastAttemptAt,
		NextRetryAt:       m.NextRetryAt,
	}
	rows, err := a.store.Attempts(id)
	if err != nil {
		a.log.Warn("load delivery history", zap.String("id", id), zap.Error(err))
	}
	for _, row := range rows {
		r.History = append(r.History, Attempt{
			Transport: row.Transport,
			Attempt:   row.Attempt,
			Broadcast: row.Broadcast,
			Success:   row.Success,
			ErrorKind: row.ErrorKind,
			Error:     row.Error,
			AckID:     row.AckID,
			Bytes:     row.Bytes,
			Latency:   time.Duration(row.LatencyMs) * time.Millisecond,
			Cost:      row.Cost,
			At:        row.CreatedAt,
		})
	}
	return r, nil
}

// Cancel withdraws a message that is still QUEUED. It reports false once
// the message has been picked up, is waiting for a retry, or has finished.
func (a *Agent) Cancel(id string) (bool, error) {
	ok, err := a.queue.Cancel(id)
	if errors.Is(err, queue.ErrNotFound) {
		if _, gerr := a.store.Get(id); gerr == nil {
			return false, nil
		}
	}
	if err != nil {
		return false, fmt.Errorf("agent: cancel %s: %w", id, err)
	}
	if ok {
		a.metrics.RecordQueueDepth(a.queue.Size())
	}
	return ok, nil
}

// Subscribe streams outcomes to the caller until cancel is called. A
// subscriber that falls more than buffer outcomes behind misses the excess.
func (a *Agent) Subscribe(buffer int) (<-chan message.Outcome, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan message.Outcome, buffer)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			if _, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(ch)
			}
			a.mu.Unlock()
		})
	}
}

// Run connects the transports and drains the queue until ctx is done. It
// waits for in-flight deliveries before returning.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		zap.Int("transports", len(a.lanes)),
		zap.Duration("drain_interval", a.opts.DrainInterval),
		zap.String("maintenance", a.opts.Maintenance))

	if err := a.reg.ConnectAll(ctx); err != nil {
		a.log.Warn("some transports are not ready", zap.Error(err))
	}
	a.Maintain(ctx)

	drain := time.NewTicker(a.opts.DrainInterval)
	defer drain.Stop()
	maint := time.NewTimer(a.untilMaintenance())
	defer maint.Stop()

	a.DrainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.Wait()
			a.log.Info("agent stopped")
			return nil
		case <-drain.C:
			a.DrainOnce(ctx)
		case <-a.kick:
			a.DrainOnce(ctx)
		case <-maint.C:
			a.Maintain(ctx)
			maint.Reset(a.untilMaintenance())
		}
	}
}

// Maintain reconnects failed transports, refreshes signal estimates,
// expires stale messages and publishes transport state.
func (a *Agent) Maintain(ctx context.Context) {
	if err := a.reg.Reconnect(ctx); err != nil {
		a.log.Debug("reconnect incomplete", zap.Error(err))
	}
	a.reg.Probe(ctx)

	if expired := a.queue.Expire(a.opts.Now()); len(expired) > 0 {
		a.log.Warn("expired undelivered messages", zap.Int("count", len(expired)))
	}

	snaps := a.reg.Snapshots()
	for _, s := range snaps {
		a.metrics.RecordTransport(s)
	}
	if a.opts.PublishTransports != nil {
		if err := a.opts.PublishTransports(snaps); err != nil {
			a.log.Warn("publish transport status", zap.Error(err))
		}
	}
	a.metrics.RecordQueueDepth(a.queue.Size())
}

func (a *Agent) untilMaintenance() time.Duration {
	now := time.Now()
	d := a.schedule.Next(now).Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d
}

// Wait blocks until every delivery started by DrainOnce has finished.
func (a *Agent) Wait() {
	a.deliveries.Wait()
}

// Close waits for in-flight deliveries and ends all subscriptions. The
// registry is left open.
func (a *Agent) Close() error {
	a.gate.Lock()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.gate.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.gate.Unlock()

	a.Wait()

	a.mu.Lock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	a.mu.Unlock()
	return nil
}

// terminal is the queue's OnTerminal hook.
func (a *Agent) terminal(m *message.Message) {
	o := message.OutcomeOf(m, a.opts.Now())
	a.metrics.RecordOutcome(o)
	a.log.Info("message finished",
		zap.String("id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Stringer("priority", o.Priority),
		zap.Int("attempts", o.Attempts),
		zap.String("transport", o.Transport),
		zap.String("error", o.Error))

	if a.opts.OnOutcome != nil {
		a.opts.OnOutcome(o)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

// encode fits payload into a transport limit, leaving room for the
// envelope. It falls back to sending the payload as-is.
func (a *Agent) encode(payload []byte, limit int) compress.Result {
	c := compress.Constraints{MaxTime: a.opts.MaxCompressTime}
	if limit > 0 {
		c.MaxSize = max(limit-wire.MaxOverhead, 1)
	}
	res, err := a.pipe.Fit(payload, c)
	if err != nil {
		a.log.Debug("no encoding fits, keeping payload as-is",
			zap.Int("size", len(payload)), zap.Int("limit", limit), zap.Error(err))
		return compress.Result{
			Method:       compress.None,
			OriginalSize: len(payload),
			EncodedSize:  len(payload),
			Encoded:      payload,
		}
	}
	a.metrics.RecordCompression(string(res.Method), res.Ratio())
	return res
}

// frameFor builds the frame to send m over s, re-encoding when the cached
// encoding is too large for that transport.
func (a *Agent) frameFor(m *message.Message, s transport.Snapshot) []byte {
	if m.Encoded != nil || len(m.Payload) == 0 {
		f := frame(m, m.Method, m.Encoded)
		if s.MaxPayloadBytes <= 0 || len(f) <= s.MaxPayloadBytes {
			return f
		}
	}
	res := a.encode(m.Payload, s.MaxPayloadBytes)
	return frame(m, string(res.Method), res.Encoded)
}

func frame(m *message.Message, method string, encoded []byte) []byte {
	id, _ := uuid.Parse(m.ID)
	if method == "" {
		method = string(compress.None)
	}
	return wire.Encode(wire.Envelope{
		ID:           id,
		Priority:     int(m.Priority),
		Method:       method,
		Created:      m.CreatedAt,
		Payload:      encoded,
		OriginalSize: len(m.Payload),
	})
}
