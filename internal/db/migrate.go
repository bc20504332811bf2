package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/tidelink/internal/models"
	"github.com/zulandar/tidelink/internal/transport"
)

// AllModels returns every GORM model the store migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.OutboundMessage{},
		&models.DeliveryAttempt{},
		&models.TransportStatus{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Reset drops every table and migrates them again.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return AutoMigrate(db)
}

// PublishTransports upserts one TransportStatus row per snapshot.
func PublishTransports(db *gorm.DB, snaps []transport.Snapshot) error {
	for _, s := range snaps {
		row := models.TransportStatus{
			Name:            s.Name,
			Kind:            string(s.Kind),
			State:           s.State.String(),
			SignalKnown:     s.SignalKnown,
			SuccessRate:     s.SuccessRate,
			LastError:       s.LastError,
			Signal:          s.Signal,
			MaxPayloadBytes: s.MaxPayloadBytes,
			CostPerByte:     s.CostPerByte,
			LatencyMs:       s.TypicalLatency.Milliseconds(),
			UpdatedAt:       s.UpdatedAt,
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = time.Now()
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("db: publish transport %q: %w", s.Name, result.Error)
		}
	}
	return nil
}

// Transports returns the last published snapshot of every transport.
func Transports(db *gorm.DB) ([]models.TransportStatus, error) {
	var rows []models.TransportStatus
	if err := db.Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: list transports: %w", err)
	}
	return rows, nil
}
