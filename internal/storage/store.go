// Package storage holds the durable stores of readings, thresholds and alerts,
// and the optional time-series sink readings are mirrored to.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

// ReadingSink accepts generated readings.
type ReadingSink interface {
	Name() string
	SaveReading(ctx context.Context, r data.Reading) error
}

// Store is the durable store used by the gateway.
type Store interface {
	ReadingSink
	RecentReadings(ctx context.Context, ownerID int64, count int) ([]data.Reading, error)

	ActiveThreshold(ctx context.Context, t data.SensorType, unit string) (data.Threshold, bool, error)
	ReplaceThreshold(ctx context.Context, th data.Threshold) (data.Threshold, error)
	ListThresholds(ctx context.Context, activeOnly bool) ([]data.Threshold, error)

	SaveAlert(ctx context.Context, a data.Alert) error
	GetAlert(ctx context.Context, id string) (data.Alert, error)
	ActiveAlerts(ctx context.Context, ownerID int64, limit int) ([]data.Alert, error)
	ActiveAlertForSensor(ctx context.Context, ownerID int64, sensorID string) (data.Alert, bool, error)

	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Open returns the store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	if cfg.Driver == "memory" || cfg.Driver == "" {
		return NewMemoryStore(), nil
	}
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLStore(db)
	if err != nil {
		_ = closeDB(db)
		return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	if logger != nil {
		logger.Info("database connected", "driver", cfg.Driver)
	}
	return store, nil
}
