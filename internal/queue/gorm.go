package queue

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/models"
)

// GormStore persists the queue in the outbound_messages table and keeps the
// per-transport delivery history in delivery_attempts.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open, migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save upserts m.
func (s *GormStore) Save(m *message.Message) error {
	row := toRow(m)
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("queue: save %s: %w", m.ID, result.Error)
	}
	return nil
}

// LoadPending returns the non-terminal messages in queue order.
func (s *GormStore) LoadPending() ([]*message.Message, error) {
	var rows []models.OutboundMessage
	err := s.db.
		Where("status NOT IN ?", []string{string(message.StatusSent), string(message.StatusFailed)}).
		Order("priority desc, created_at asc, seq asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue: load pending: %w", err)
	}
	out := make([]*message.Message, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

// Get returns the message with id in any status.
func (s *GormStore) Get(id string) (*message.Message, error) {
	var row models.OutboundMessage
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return fromRow(&row), nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status message.Status
	Limit  int
}

// List returns stored messages newest first, including terminal ones.
func (s *GormStore) List(f ListFilter) ([]*message.Message, error) {
	q := s.db.Model(&models.OutboundMessage{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.OutboundMessage
	if err := q.Order("created_at desc, seq desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	out := make([]*message.Message, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

// RecordAttempt appends one row of delivery history.
func (s *GormStore) RecordAttempt(a *models.DeliveryAttempt) error {
	if err := s.db.Create(a).Error; err != nil {
		return fmt.Errorf("queue: record attempt for %s: %w", a.MessageID, err)
	}
	return nil
}

// Attempts returns the delivery history of a message, oldest first.
func (s *GormStore) Attempts(id string) ([]models.DeliveryAttempt, error) {
	var rows []models.DeliveryAttempt
	if err := s.db.Where("message_id = ?", id).Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: attempts for %s: %w", id, err)
	}
	return rows, nil
}

func toRow(m *message.Message) models.OutboundMessage {
	return models.OutboundMessage{
		ID:                m.ID,
		Priority:          int(m.Priority),
		Status:            string(m.Status),
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		Method:            m.Method,
		AssignedTransport: m.AssignedTransport,
		LastError:         m.LastError,
		Seq:               m.Seq,
		Payload:           m.Payload,
		Encoded:           m.Encoded,
		CreatedAt:         m.CreatedAt,
		LastAttemptAt:     m.LastAttemptAt,
		NextRetryAt:       m.NextRetryAt,
	}
}

func fromRow(r *models.OutboundMessage) *message.Message {
	return &message.Message{
		ID:                r.ID,
		Payload:           r.Payload,
		Priority:          message.Priority(r.Priority),
		Status:            message.Status(r.Status),
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		CreatedAt:         r.CreatedAt,
		LastAttemptAt:     r.LastAttemptAt,
		NextRetryAt:       r.NextRetryAt,
		AssignedTransport: r.AssignedTransport,
		LastError:         r.LastError,
		Method:            r.Method,
		Encoded:           r.Encoded,
		Seq:               r.Seq,
	}
}
