// Package queue holds outbound messages until a transport accepts them. It
// orders by priority then age, bounds its size by evicting the least urgent
// message, schedules retries with exponential backoff, and writes every
// mutation through to a Store.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/tidelink/internal/message"
)

// Queue defaults.
const (
	DefaultCapacity    = 1000
	DefaultMaxAttempts = 5
	DefaultRetryBase   = 30 * time.Second
)

// Reasons recorded on messages the queue fails itself.
const (
	ReasonEvicted   = "evicted"
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
)

// ErrNotFound means the id is not in the queue.
var ErrNotFound = errors.New("queue: message not found")

// CapacityError rejects a message that cannot displace anything in a full
// queue.
type CapacityError struct {
	Capacity int
	Incoming message.Priority
	Lowest   message.Priority
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue: full at %d messages; %s does not outrank lowest queued %s",
		e.Capacity, e.Incoming, e.Lowest)
}

// EvictionPolicy picks which of the lowest-priority messages a full queue
// drops.
type EvictionPolicy int

// Eviction policies.
const (
	// EvictOldest is the default: among the lowest-priority messages the
	// one that has waited longest goes first. A full queue of LOW@t1 and
	// LOW@t2 taking HIGH@t3 keeps [HIGH@t3, LOW@t2].
	EvictOldest EvictionPolicy = iota
	// EvictNewest drops the most recent of the lowest priority instead,
	// keeping [HIGH@t3, LOW@t1] in the same case.
	EvictNewest
)

func (p EvictionPolicy) String() string {
	if p == EvictNewest {
		return "newest"
	}
	return "oldest"
}

// ParseEviction parses "oldest" or "newest".
func ParseEviction(s string) (EvictionPolicy, error) {
	switch s {
	case "", "oldest":
		return EvictOldest, nil
	case "newest":
		return EvictNewest, nil
	default:
		return EvictOldest, fmt.Errorf("queue: unknown eviction policy %q", s)
	}
}

// RetryDecision reports what MarkFailed did.
type RetryDecision struct {
	Permanent   bool
	Attempts    int
	NextRetryAt time.Time
}

// Stats summarizes the queue.
type Stats struct {
	Size       int            `json:"size"`
	Capacity   int            `json:"capacity"`
	ByPriority map[string]int `json:"by_priority"`
	ByStatus   map[string]int `json:"by_status"`
	Oldest     *time.Time     `json:"oldest,omitempty"`
}

// Options configures New.
type Options struct {
	Capacity    int
	MaxAttempts int
	RetryBase   time.Duration
	// MaxAge fails messages that have waited longer; zero disables expiry.
	MaxAge   time.Duration
	Eviction EvictionPolicy
	// Store receives every mutation; nil keeps the queue in memory.
	Store Store
	// OnTerminal is called, outside the queue lock, with every message the
	// queue moves to SENT or FAILED.
	OnTerminal func(*message.Message)
	Logger     *zap.Logger
	Now        func() time.Time
}

// Queue is the bounded transmission queue. All mutations are serialized.
type Queue struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	items map[string]*message.Message
	// prev remembers the status a message had before the drain cycle took
	// it, for Release.
	prev map[string]message.Status
	seq  uint64
}

// New builds an empty queue. Call Load to restore persisted messages.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		opts:  opts,
		log:   opts.Logger,
		items: map[string]*message.Message{},
		prev:  map[string]message.Status{},
	}
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.opts.Capacity }

// Enqueue inserts m as QUEUED. In a full queue it evicts the lowest-priority
// message chosen by the eviction policy, or returns *CapacityError when m
// does not outrank it.
func (q *Queue) Enqueue(m *message.Message) error {
	if m == nil || m.ID == "" {
		return errors.New("queue: enqueue: message id is required")
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("queue: enqueue: invalid priority %d", m.Priority)
	}

	var evicted *message.Message
	err := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()

		if _, ok := q.items[m.ID]; ok {
			return fmt.Errorf("queue: enqueue: duplicate id %s", m.ID)
		}
		if len(q.items) >= q.opts.Capacity {
			victim := q.victim()
			if victim == nil || m.Priority <= victim.Priority {
				lowest := m.Priority
				if victim != nil {
					lowest = victim.Priority
				}
				return &CapacityError{Capacity: q.opts.Capacity, Incoming: m.Priority, Lowest: lowest}
			}
			next := victim.Clone()
			next.Status = message.StatusFailed
			next.LastError = ReasonEvicted
			if err := q.opts.Store.Save(next); err != nil {
				return fmt.Errorf("queue: evict %s: %w", victim.ID, err)
			}
			delete(q.items, victim.ID)
			evicted = next.Clone()
			q.log.Warn("queue full, evicted message",
				zap.String("id", victim.ID), zap.Stringer("priority", victim.Priority))
		}

		item := m.Clone()
		item.Status = message.StatusQueued
		if item.CreatedAt.IsZero() {
			item.CreatedAt = q.opts.Now()
		}
		if item.MaxAttempts <= 0 {
			item.MaxAttempts = q.opts.MaxAttempts
		}
		q.seq++
		item.Seq = q.seq
		if err := q.opts.Store.Save(item); err != nil {
			return fmt.Errorf("queue: enqueue %s: %w", m.ID, err)
		}
		q.items[item.ID] = item
		return nil
	}()

	if evicted != nil {
		q.notify(evicted)
	}
	return err
}

// victim returns the message eviction would remove: the lowest priority
// present, oldest or newest within it. In-flight messages are never evicted.
// Callers hold q.mu.
func (q *Queue) victim() *message.Message {
	var v *message.Message
	for _, m := range q.items {
		if m.Status.InFlight() {
			continue
		}
		switch {
		case v == nil, m.Priority < v.Priority:
			v = m
		case m.Priority == v.Priority:
			if (q.opts.Eviction == EvictOldest) == m.Before(v) {
				v = m
			}
		}
	}
	return v
}

// PeekReady returns copies of the messages the drain cycle may take at now,
// in queue order.
func (q *Queue) PeekReady(now time.Time) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*message.Message
	for _, m := range q.items {
		if m.Ready(now) {
			out = append(out, m.Clone())
		}
	}
	sortQueue(out)
	return out
}

// List returns copies of every queued message in queue order.
func (q *Queue) List() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*message.Message, 0, len(q.items))
	for _, m := range q.items {
		out = append(out, m.Clone())
	}
	sortQueue(out)
	return out
}

// MarkSelecting takes a ready message for the drain cycle.
func (q *Queue) MarkSelecting(id string) error {
	return q.update(id, "mark selecting", func(m *message.Message) error {
		if m.Status != message.StatusQueued && m.Status != message.StatusRetryScheduled {
			return fmt.Errorf("status %s is not ready", m.Status)
		}
		q.prev[id] = m.Status
		m.Status = message.StatusSelecting
		return nil
	})
}

// MarkTransmitting records that a send over transport is under way.
func (q *Queue) MarkTransmitting(id, transport string) error {
	return q.update(id, "mark transmitting", func(m *message.Message) error {
		if !m.Status.InFlight() {
			return fmt.Errorf("status %s is not in flight", m.Status)
		}
		now := q.opts.Now()
		m.Status = message.StatusTransmitting
		m.AssignedTransport = transport
		m.LastAttemptAt = &now
		return nil
	})
}

// Release returns an in-flight message to the status it had before the
// drain cycle took it. No attempt is counted.
func (q *Queue) Release(id string) error {
	return q.update(id, "release", func(m *message.Message) error {
		if !m.Status.InFlight() {
			return nil
		}
		prev, ok := q.prev[id]
		if !ok {
			prev = message.StatusQueued
		}
		m.Status = prev
		m.AssignedTransport = ""
		return nil
	})
}

// MarkSent completes a message delivered over transport and removes it.
func (q *Queue) MarkSent(id, transport string) error {
	var done *message.Message
	err := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		m, ok := q.items[id]
		if !ok {
			return fmt.Errorf("queue: mark sent %s: %w", id, ErrNotFound)
		}
		next := m.Clone()
		now := q.opts.Now()
		next.Status = message.StatusSent
		next.AssignedTransport = transport
		next.LastError = ""
		next.LastAttemptAt = &now
		next.NextRetryAt = nil
		if err := q.opts.Store.Save(next); err != nil {
			return fmt.Errorf("queue: mark sent %s: %w", id, err)
		}
		q.remove(id)
		done = next.Clone()
		return nil
	}()
	if done != nil {
		q.notify(done)
	}
	return err
}

// MarkFailed counts a failed delivery pass. Below MaxAttempts the message
// is rescheduled after RetryBase*2^(attempts-1); at MaxAttempts it becomes
// FAILED and leaves the queue.
func (q *Queue) MarkFailed(id string, cause error) (RetryDecision, error) {
	var (
		dec  RetryDecision
		done *message.Message
	)
	err := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		m, ok := q.items[id]
		if !ok {
			return fmt.Errorf("queue: mark failed %s: %w", id, ErrNotFound)
		}
		next := m.Clone()
		now := q.opts.Now()
		next.Attempts++
		next.LastAttemptAt = &now
		if cause != nil {
			next.LastError = cause.Error()
		}
		dec.Attempts = next.Attempts

		if next.Attempts >= next.MaxAttempts {
			next.Status = message.StatusFailed
			next.NextRetryAt = nil
			dec.Permanent = true
		} else {
			at := now.Add(Backoff(q.opts.RetryBase, next.Attempts))
			next.Status = message.StatusRetryScheduled
			next.NextRetryAt = &at
			dec.NextRetryAt = at
		}
		if err := q.opts.Store.Save(next); err != nil {
			return fmt.Errorf("queue: mark failed %s: %w", id, err)
		}
		if dec.Permanent {
			q.remove(id)
			done = next.Clone()
		} else {
			q.items[id] = next
			delete(q.prev, id)
		}
		return nil
	}()
	if done != nil {
		q.notify(done)
	}
	return dec, err
}

// Backoff is the retry delay after the given number of failed attempts:
// base*2^(attempts-1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(base) * math.Exp2(float64(attempts-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Cancel fails a message that is still QUEUED. It reports false when the
// message has been picked up or is waiting for a retry.
func (q *Queue) Cancel(id string) (bool, error) {
	var done *message.Message
	ok, err := func() (bool, error) {
		q.mu.Lock()
		defer q.mu.Unlock()
		m, ok := q.items[id]
		if !ok {
			return false, fmt.Errorf("queue: cancel %s: %w", id, ErrNotFound)
		}
		if m.Status != message.StatusQueued {
			return false, nil
		}
		next := m.Clone()
		next.Status = message.StatusFailed
		next.LastError = ReasonCancelled
		if err := q.opts.Store.Save(next); err != nil {
			return false, fmt.Errorf("queue: cancel %s: %w", id, err)
		}
		q.remove(id)
		done = next.Clone()
		return true, nil
	}()
	if done != nil {
		q.notify(done)
	}
	return ok, err
}

// Expire fails every idle message created more than MaxAge before now and
// returns them.
func (q *Queue) Expire(now time.Time) []*message.Message {
	if q.opts.MaxAge <= 0 {
		return nil
	}
	var expired []*message.Message
	func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for id, m := range q.items {
			if m.Status.InFlight() || now.Sub(m.CreatedAt) <= q.opts.MaxAge {
				continue
			}
			next := m.Clone()
			next.Status = message.StatusFailed
			next.LastError = ReasonExpired
			next.NextRetryAt = nil
			if err := q.opts.Store.Save(next); err != nil {
				q.log.Error("persist expired message", zap.String("id", id), zap.Error(err))
				continue
			}
			q.remove(id)
			expired = append(expired, next)
		}
	}()
	sortQueue(expired)
	for _, m := range expired {
		q.notify(m.Clone())
	}
	return expired
}

// Get returns a copy of a queued message.
func (q *Queue) Get(id string) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// Size returns the number of queued messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats summarizes the queue by priority and status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Size:       len(q.items),
		Capacity:   q.opts.Capacity,
		ByPriority: map[string]int{},
		ByStatus:   map[string]int{},
	}
	for _, m := range q.items {
		s.ByPriority[m.Priority.String()]++
		s.ByStatus[string(m.Status)]++
		if s.Oldest == nil || m.CreatedAt.Before(*s.Oldest) {
			t := m.CreatedAt
			s.Oldest = &t
		}
	}
	return s
}

// Load restores the non-terminal messages from the store. Messages caught in
// flight by a restart go back to QUEUED; a backlog above capacity is trimmed
// by eviction.
func (q *Queue) Load() (int, error) {
	pending, err := q.opts.Store.LoadPending()
	if err != nil {
		return 0, fmt.Errorf("queue: load: %w", err)
	}

	var evicted []*message.Message
	err = func() error {
		q.mu.Lock()
		defer q.mu.Unlock()

		for _, m := range pending {
			if m.Status.InFlight() {
				m.Status = message.StatusQueued
				m.AssignedTransport = ""
				if err := q.opts.Store.Save(m); err != nil {
					return fmt.Errorf("queue: load: reset %s: %w", m.ID, err)
				}
			}
			q.items[m.ID] = m
			q.seq = max(q.seq, m.Seq)
		}
		for len(q.items) > q.opts.Capacity {
			v := q.victim()
			next := v.Clone()
			next.Status = message.StatusFailed
			next.LastError = ReasonEvicted
			if err := q.opts.Store.Save(next); err != nil {
				return fmt.Errorf("queue: load: evict %s: %w", v.ID, err)
			}
			delete(q.items, v.ID)
			evicted = append(evicted, next)
		}
		return nil
	}()
	for _, m := range evicted {
		q.notify(m)
	}
	if err != nil {
		return 0, err
	}
	if len(evicted) > 0 {
		q.log.Warn("persisted backlog above capacity", zap.Int("evicted", len(evicted)))
	}
	return q.Size(), nil
}

// update applies fn to a copy of the message and commits it once stored.
func (q *Queue) update(id, op string, fn func(m *message.Message) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("queue: %s %s: %w", op, id, ErrNotFound)
	}
	next := m.Clone()
	if err := fn(next); err != nil {
		return fmt.Errorf("queue: %s %s: %w", op, id, err)
	}
	if err := q.opts.Store.Save(next); err != nil {
		return fmt.Errorf("queue: %s %s: %w", op, id, err)
	}
	q.items[id] = next
	if !next.Status.InFlight() {
		delete(q.prev, id)
	}
	return nil
}

func (q *Queue) remove(id string) {
	delete(q.items, id)
	delete(q.prev, id)
}

func (q *Queue) notify(m *message.Message) {
	if q.opts.OnTerminal != nil {
		q.opts.OnTerminal(m)
	}
}

func sortQueue(ms []*message.Message) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Before(ms[j]) })
}
