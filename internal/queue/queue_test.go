package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/tidelink/internal/config"
	"github.com/zulandar/tidelink/internal/db"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) *GormStore {
	t.Helper()
	gdb, err := db.Connect(config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	return NewGormStore(gdb)
}

func msg(id string, p message.Priority, created time.Time) *message.Message {
	return &message.Message{ID: id, Payload: []byte(id), Priority: p, CreatedAt: created}
}

func ids(ms []*message.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 16*time.Second, Backoff(base, 4))
	assert.Equal(t, time.Duration(1<<63-1), Backoff(time.Hour, 200))
}

func TestParseEviction(t *testing.T) {
	p, err := ParseEviction("")
	require.NoError(t, err)
	assert.Equal(t, EvictOldest, p)
	p, err = ParseEviction("newest")
	require.NoError(t, err)
	assert.Equal(t, EvictNewest, p)
	assert.Equal(t, "newest", p.String())
	_, err = ParseEviction("random")
	assert.Error(t, err)
}

func TestEnqueue_Ordering(t *testing.T) {
	q := New(Options{Capacity: 10})
	require.NoError(t, q.Enqueue(msg("low", message.Low, t0)))
	require.NoError(t, q.Enqueue(msg("n2", message.Normal, t0.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(msg("n1", message.Normal, t0.Add(time.Second))))
	require.NoError(t, q.Enqueue(msg("crit", message.Critical, t0.Add(3*time.Second))))
	require.NoError(t, q.Enqueue(msg("n1b", message.Normal, t0.Add(time.Second))))

	assert.Equal(t, []string{"crit", "n1", "n1b", "n2", "low"}, ids(q.PeekReady(t0)))
	assert.Equal(t, 5, q.Size())

	m, err := q.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusQueued, m.Status)
	assert.Equal(t, DefaultMaxAttempts, m.MaxAttempts)
}

func TestEnqueue_Rejects(t *testing.T) {
	q := New(Options{})
	assert.Error(t, q.Enqueue(&message.Message{Priority: message.Low}))
	assert.Error(t, q.Enqueue(&message.Message{ID: "x", Priority: message.Priority(7)}))
	require.NoError(t, q.Enqueue(msg("a", message.Low, t0)))
	assert.Error(t, q.Enqueue(msg("a", message.High, t0)))
	assert.Equal(t, DefaultCapacity, q.Capacity())
}

func TestEnqueue_EvictionScenario(t *testing.T) {
	tests := []struct {
		name   string
		policy EvictionPolicy
		want   []string
	}{
		{"oldest", EvictOldest, []string{"high", "low2"}},
		{"newest", EvictNewest, []string{"high", "low1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var terminal []*message.Message
			store := newStore(t)
			q := New(Options{
				Capacity:   2,
				Eviction:   tt.policy,
				Store:      store,
				OnTerminal: func(m *message.Message) { terminal = append(terminal, m) },
			})
			require.NoError(t, q.Enqueue(msg("low1", message.Low, t0)))
			require.NoError(t, q.Enqueue(msg("low2", message.Low, t0.Add(time.Second))))
			require.NoError(t, q.Enqueue(msg("high", message.High, t0.Add(2*time.Second))))

			assert.Equal(t, tt.want, ids(q.List()))
			require.Len(t, terminal, 1)
			assert.Equal(t, message.StatusFailed, terminal[0].Status)
			assert.Equal(t, ReasonEvicted, terminal[0].LastError)

			stored, err := store.Get(terminal[0].ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusFailed, stored.Status)
		})
	}
}

func TestEnqueue_CapacityError(t *testing.T) {
	q := New(Options{Capacity: 2})
	require.NoError(t, q.Enqueue(msg("n1", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("h1", message.High, t0)))

	err := q.Enqueue(msg("n2", message.Normal, t0.Add(time.Second)))
	var cerr *CapacityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Capacity)
	assert.Equal(t, message.Normal, cerr.Incoming)
	assert.Equal(t, message.Normal, cerr.Lowest)

	require.ErrorAs(t, q.Enqueue(msg("l1", message.Low, t0)), &cerr)
	assert.Equal(t, []string{"h1", "n1"}, ids(q.List()))
}

func TestEnqueue_NeverEvictsInFlight(t *testing.T) {
	q := New(Options{Capacity: 2})
	require.NoError(t, q.Enqueue(msg("a", message.Low, t0)))
	require.NoError(t, q.Enqueue(msg("b", message.Normal, t0)))
	require.NoError(t, q.MarkSelecting("a"))

	require.NoError(t, q.Enqueue(msg("c", message.High, t0)))
	assert.Equal(t, []string{"c", "a"}, ids(q.List()))

	require.NoError(t, q.MarkSelecting("c"))
	var cerr *CapacityError
	require.ErrorAs(t, q.Enqueue(msg("d", message.Critical, t0)), &cerr)
}

func TestEnqueue_BoundHolds(t *testing.T) {
	q := New(Options{Capacity: 5})
	for i := 0; i < 40; i++ {
		p := message.Priority(i % 4)
		err := q.Enqueue(msg(fmt.Sprintf("m%02d", i), p, t0.Add(time.Duration(i)*time.Second)))
		var cerr *CapacityError
		if err != nil {
			require.ErrorAs(t, err, &cerr)
		}
		require.LessOrEqual(t, q.Size(), 5)
	}
	for _, m := range q.List() {
		assert.Equal(t, message.Critical, m.Priority)
	}
}

func TestMarkFailed_Backoff(t *testing.T) {
	c := &clock{now: t0}
	var terminal []*message.Message
	q := New(Options{
		MaxAttempts: 4,
		RetryBase:   time.Second,
		Now:         c.Now,
		OnTerminal:  func(m *message.Message) { terminal = append(terminal, m) },
	})
	require.NoError(t, q.Enqueue(msg("m", message.Normal, t0)))

	var prevDelay time.Duration
	for n := 1; n < 4; n++ {
		require.NoError(t, q.MarkSelecting("m"))
		dec, err := q.MarkFailed("m", errors.New("no ack"))
		require.NoError(t, err)
		assert.False(t, dec.Permanent)
		assert.Equal(t, n, dec.Attempts)

		m, err := q.Get("m")
		require.NoError(t, err)
		assert.Equal(t, message.StatusRetryScheduled, m.Status)
		assert.Equal(t, "no ack", m.LastError)
		delay := m.NextRetryAt.Sub(*m.LastAttemptAt)
		assert.GreaterOrEqual(t, delay, time.Second*time.Duration(1<<(n-1)))
		assert.Greater(t, delay, prevDelay)
		prevDelay = delay

		assert.Empty(t, q.PeekReady(c.Now()), "not ready before backoff elapses")
		c.Advance(delay)
		assert.Len(t, q.PeekReady(c.Now()), 1)
	}

	require.NoError(t, q.MarkSelecting("m"))
	dec, err := q.MarkFailed("m", errors.New("link down"))
	require.NoError(t, err)
	assert.True(t, dec.Permanent)
	assert.Equal(t, 4, dec.Attempts)
	assert.Equal(t, 0, q.Size())
	require.Len(t, terminal, 1)
	assert.Equal(t, message.StatusFailed, terminal[0].Status)
	assert.Equal(t, "link down", terminal[0].LastError)

	_, err = q.MarkFailed("m", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSent(t *testing.T) {
	store := newStore(t)
	var terminal []*message.Message
	q := New(Options{Store: store, OnTerminal: func(m *message.Message) { terminal = append(terminal, m) }})
	require.NoError(t, q.Enqueue(msg("m", message.High, t0)))
	require.NoError(t, q.MarkSelecting("m"))
	require.NoError(t, q.MarkTransmitting("m", "wifi"))

	stored, err := store.Get("m")
	require.NoError(t, err)
	assert.Equal(t, message.StatusTransmitting, stored.Status)
	assert.Equal(t, "wifi", stored.AssignedTransport)

	require.NoError(t, q.MarkSent("m", "wifi"))
	assert.Equal(t, 0, q.Size())
	require.Len(t, terminal, 1)
	assert.Equal(t, message.StatusSent, terminal[0].Status)

	stored, err = store.Get("m")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, stored.Status)
	assert.Equal(t, []byte("m"), stored.Payload)

	assert.ErrorIs(t, q.MarkSent("m", "wifi"), ErrNotFound)
}

func TestRelease(t *testing.T) {
	c := &clock{now: t0}
	q := New(Options{RetryBase: time.Minute, Now: c.Now})
	require.NoError(t, q.Enqueue(msg("a", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("b", message.Normal, t0)))

	require.NoError(t, q.MarkSelecting("a"))
	assert.Error(t, q.MarkSelecting("a"))
	assert.Equal(t, []string{"b"}, ids(q.PeekReady(t0)))
	require.NoError(t, q.Release("a"))
	a, _ := q.Get("a")
	assert.Equal(t, message.StatusQueued, a.Status)
	assert.Equal(t, 0, a.Attempts)

	require.NoError(t, q.MarkSelecting("b"))
	_, err := q.MarkFailed("b", errors.New("x"))
	require.NoError(t, err)
	c.Advance(time.Minute)
	require.NoError(t, q.MarkSelecting("b"))
	require.NoError(t, q.Release("b"))
	b, _ := q.Get("b")
	assert.Equal(t, message.StatusRetryScheduled, b.Status)
	assert.Equal(t, 1, b.Attempts)
}

func TestCancel(t *testing.T) {
	q := New(Options{})
	require.NoError(t, q.Enqueue(msg("a", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("b", message.Normal, t0)))

	ok, err := q.Cancel("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, q.Size())

	require.NoError(t, q.MarkSelecting("b"))
	require.NoError(t, q.MarkTransmitting("b", "radio"))
	ok, err = q.Cancel("b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpire(t *testing.T) {
	q := New(Options{MaxAge: time.Hour})
	require.NoError(t, q.Enqueue(msg("old", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("busy", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("fresh", message.Normal, t0.Add(90*time.Minute))))
	require.NoError(t, q.MarkSelecting("busy"))

	expired := q.Expire(t0.Add(2 * time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, ReasonExpired, expired[0].LastError)
	assert.Equal(t, []string{"busy", "fresh"}, ids(q.List()))

	assert.Nil(t, New(Options{}).Expire(t0.Add(1000*time.Hour)))
}

func TestStats(t *testing.T) {
	q := New(Options{Capacity: 7})
	require.NoError(t, q.Enqueue(msg("a", message.Low, t0.Add(time.Minute))))
	require.NoError(t, q.Enqueue(msg("b", message.Critical, t0)))
	require.NoError(t, q.MarkSelecting("b"))

	s := q.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 7, s.Capacity)
	assert.Equal(t, map[string]int{"LOW": 1, "CRITICAL": 1}, s.ByPriority)
	assert.Equal(t, map[string]int{"QUEUED": 1, "SELECTING": 1}, s.ByStatus)
	require.NotNil(t, s.Oldest)
	assert.True(t, s.Oldest.Equal(t0))
}

func TestLoad_ResetsInFlightAndTrims(t *testing.T) {
	store := newStore(t)
	q := New(Options{Store: store})
	require.NoError(t, q.Enqueue(msg("a", message.Low, t0)))
	require.NoError(t, q.Enqueue(msg("b", message.Normal, t0.Add(time.Second))))
	require.NoError(t, q.Enqueue(msg("c", message.High, t0.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(msg("done", message.High, t0)))
	require.NoError(t, q.MarkSelecting("c"))
	require.NoError(t, q.MarkTransmitting("c", "satellite"))
	require.NoError(t, q.MarkSelecting("done"))
	require.NoError(t, q.MarkSent("done", "wifi"))

	var terminal []*message.Message
	restarted := New(Options{
		Capacity:   2,
		Store:      store,
		OnTerminal: func(m *message.Message) { terminal = append(terminal, m) },
	})
	n, err := restarted.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"c", "b"}, ids(restarted.List()))

	c, err := restarted.Get("c")
	require.NoError(t, err)
	assert.Equal(t, message.StatusQueued, c.Status)
	assert.Empty(t, c.AssignedTransport)

	require.Len(t, terminal, 1)
	assert.Equal(t, "a", terminal[0].ID)
	stored, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, stored.Status)

	require.NoError(t, restarted.Enqueue(msg("d", message.Critical, t0.Add(3*time.Second))))
	d, _ := restarted.Get("d")
	assert.Greater(t, d.Seq, c.Seq)
}

type failingStore struct {
	nopStore
	err error
}

func (s failingStore) Save(*message.Message) error { return s.err }

func TestWriteThroughFailureLeavesQueueUnchanged(t *testing.T) {
	fs := &failingStore{}
	q := New(Options{Store: fs})
	require.NoError(t, q.Enqueue(msg("a", message.Normal, t0)))

	fs.err = errors.New("disk full")
	assert.Error(t, q.Enqueue(msg("b", message.Normal, t0)))
	assert.Error(t, q.MarkSelecting("a"))
	_, err := q.MarkFailed("a", nil)
	assert.Error(t, err)

	a, err := q.Get("a")
	require.NoError(t, err)
	assert.Equal(t, message.StatusQueued, a.Status)
	assert.Equal(t, 0, a.Attempts)
	assert.Equal(t, 1, q.Size())
}

func TestGormStore_ListAndAttempts(t *testing.T) {
	store := newStore(t)
	q := New(Options{Store: store})
	require.NoError(t, q.Enqueue(msg("a", message.Normal, t0)))
	require.NoError(t, q.Enqueue(msg("b", message.Normal, t0.Add(time.Second))))
	require.NoError(t, q.MarkSelecting("a"))
	require.NoError(t, q.MarkSent("a", "radio"))

	all, err := store.List(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(all))

	sent, err := store.List(ListFilter{Status: message.StatusSent, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(sent))

	require.NoError(t, store.RecordAttempt(&models.DeliveryAttempt{MessageID: "a", Transport: "wifi", ErrorKind: "NoAcknowledgement", Attempt: 1}))
	require.NoError(t, store.RecordAttempt(&models.DeliveryAttempt{MessageID: "a", Transport: "radio", Success: true, AckID: "r-1", Attempt: 1}))
	history, err := store.Attempts("a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "wifi", history[0].Transport)
	assert.True(t, history[1].Success)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
