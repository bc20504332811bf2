package models

import "time"

// OutboundMessage is the durable row behind a queued message.
type OutboundMessage struct {
	ID                string `gorm:"primaryKey;size:36"`
	Priority          int    `gorm:"index"`
	Status            string `gorm:"size:16;default:QUEUED;index"`
	Attempts          int    `gorm:"default:0"`
	MaxAttempts       int    `gorm:"default:5"`
	Method            string `gorm:"size:16;default:none"`
	AssignedTransport string `gorm:"size:32"`
	LastError         string `gorm:"type:text"`
	Seq               uint64 `gorm:"default:0"`

	Payload []byte
	Encoded []byte

	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time

	History []DeliveryAttempt `gorm:"foreignKey:MessageID"`
}

// DeliveryAttempt records one send of a message over one transport.
type DeliveryAttempt struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	MessageID string  `gorm:"size:36;index"`
	Transport string  `gorm:"size:32;index"`
	Broadcast bool    `gorm:"default:false"`
	Success   bool    `gorm:"default:false"`
	ErrorKind string  `gorm:"size:32"`
	Error     string  `gorm:"type:text"`
	AckID     string  `gorm:"size:64"`
	Cost      float64 `gorm:"default:0"`

	Attempt   int
	Bytes     int
	LatencyMs int64
	CreatedAt time.Time
}
