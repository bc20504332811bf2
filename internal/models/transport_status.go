package models

import "time"

// TransportStatus is the last published snapshot of a transport, written by
// the running agent so offline tooling can report link health.
type TransportStatus struct {
	Name        string  `gorm:"primaryKey;size:32"`
	Kind        string  `gorm:"size:16"`
	State       string  `gorm:"size:16;index"`
	SignalKnown bool    `gorm:"default:false"`
	SuccessRate float64 `gorm:"not null"`
	LastError   string  `gorm:"type:text"`

	Signal          int
	MaxPayloadBytes int
	CostPerByte     float64
	LatencyMs       int64
	UpdatedAt       time.Time
}
