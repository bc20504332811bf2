package queue

import "github.com/zulandar/tidelink/internal/message"

// Store persists queue state. Save is an upsert keyed by message id and is
// called for every mutation, terminal ones included.
type Store interface {
	Save(m *message.Message) error
	// LoadPending returns every message not yet SENT or FAILED.
	LoadPending() ([]*message.Message, error)
	// Get returns a message in any status, or ErrNotFound.
	Get(id string) (*message.Message, error)
}

type nopStore struct{}

func (nopStore) Save(*message.Message) error              { return nil }
func (nopStore) LoadPending() ([]*message.Message, error) { return nil, nil }
func (nopStore) Get(string) (*message.Message, error)     { return nil, ErrNotFound }
