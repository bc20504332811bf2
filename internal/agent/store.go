package agent

import (
	"sort"
	"sync"

	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/models"
	"github.com/zulandar/tidelink/internal/queue"
)

// memRetain is how many finished messages the in-memory store remembers.
const memRetain = 4096

// memStore keeps everything in memory. Finished messages are forgotten
// oldest first once memRetain is exceeded.
type memStore struct {
	mu       sync.Mutex
	msgs     map[string]*message.Message
	attempts map[string][]models.DeliveryAttempt
	finished []string
	nextID   uint
}

func newMemStore() *memStore {
	return &memStore{
		msgs:     map[string]*message.Message{},
		attempts: map[string][]models.DeliveryAttempt{},
	}
}

func (s *memStore) Save(m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.msgs[m.ID]
	s.msgs[m.ID] = m.Clone()
	if m.Status.Terminal() && (!seen || !prev.Status.Terminal()) {
		s.finished = append(s.finished, m.ID)
	}
	for len(s.finished) > memRetain {
		id := s.finished[0]
		s.finished = s.finished[1:]
		delete(s.msgs, id)
		delete(s.attempts, id)
	}
	return nil
}

func (s *memStore) LoadPending() ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Message
	for _, m := range s.msgs {
		if !m.Status.Terminal() {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *memStore) Get(id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *memStore) RecordAttempt(a *models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.attempts[a.MessageID] = append(s.attempts[a.MessageID], *a)
	return nil
}

func (s *memStore) Attempts(id string) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeliveryAttempt(nil), s.attempts[id]...), nil
}
