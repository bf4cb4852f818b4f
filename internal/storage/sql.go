// internal/storage/sql.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

// Connect establishes a database connection based on the provided configuration
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

type readingRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	OwnerID    int64     `gorm:"index:idx_reading_owner_time,priority:1"`
	SensorID   string    `gorm:"size:128;index"`
	SensorType string    `gorm:"size:32"`
	Value      float64
	Unit       string    `gorm:"size:16"`
	LocationID string    `gorm:"size:128"`
	DeviceID   string    `gorm:"size:128"`
	Status     string    `gorm:"size:8"`
	Timestamp  time.Time `gorm:"index:idx_reading_owner_time,priority:2"`
	Metadata   string    `gorm:"type:text"`
}

func (readingRecord) TableName() string { return "sensor_readings" }

type thresholdRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	SensorType string `gorm:"size:32;index:idx_threshold_key"`
	Unit       string `gorm:"size:16;index:idx_threshold_key"`
	MinValue   float64
	MaxValue   float64
	IsActive   bool `gorm:"index"`
	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (thresholdRecord) TableName() string { return "thresholds" }

type alertRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	OwnerID        int64  `gorm:"index:idx_alert_owner_sensor,priority:1"`
	SensorID       string `gorm:"size:128;index:idx_alert_owner_sensor,priority:2"`
	SensorType     string `gorm:"size:32"`
	AlertType      string `gorm:"size:8"`
	Value          float64
	ThresholdValue float64
	Unit           string `gorm:"size:16"`
	LocationID     string `gorm:"size:128"`
	DeviceID       string `gorm:"size:128"`
	Message        string `gorm:"size:512"`
	IsActive       bool   `gorm:"index"`
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func (alertRecord) TableName() string { return "alerts" }

// SQLStore persists readings, thresholds and alerts through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the schema and returns a store backed by db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&readingRecord{}, &thresholdRecord{}, &alertRecord{}); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Name() string { return "sql" }

func (s *SQLStore) SaveReading(ctx context.Context, r data.Reading) error {
	rec := readingRecord{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		SensorID:   r.SensorID,
		SensorType: string(r.Type),
		Value:      r.Value,
		Unit:       r.Unit,
		LocationID: r.LocationID,
		DeviceID:   r.DeviceID,
		Status:     string(r.Status),
		Timestamp:  r.Timestamp,
	}
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode reading metadata: %w", err)
		}
		rec.Metadata = string(raw)
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert reading %s: %w", r.ID, err)
	}
	return nil
}

// RecentReadings returns up to count readings of an owner, oldest first.
func (s *SQLStore) RecentReadings(ctx context.Context, ownerID int64, count int) ([]data.Reading, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("timestamp DESC")
	if count > 0 {
		q = q.Limit(count)
	}
	var recs []readingRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	out := make([]data.Reading, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = rec.toReading()
	}
	return out, nil
}

func (rec readingRecord) toReading() data.Reading {
	r := data.Reading{
		ID:         rec.ID,
		OwnerID:    rec.OwnerID,
		SensorID:   rec.SensorID,
		Type:       data.SensorType(rec.SensorType),
		Value:      rec.Value,
		Unit:       rec.Unit,
		LocationID: rec.LocationID,
		DeviceID:   rec.DeviceID,
		Status:     data.Status(rec.Status),
		Timestamp:  rec.Timestamp,
	}
	if rec.Metadata != "" {
		_ = json.Unmarshal([]byte(rec.Metadata), &r.Metadata)
	}
	return r
}

func (s *SQLStore) ActiveThreshold(ctx context.Context, t data.SensorType, unit string) (data.Threshold, bool, error) {
	var rec thresholdRecord
	err := s.db.WithContext(ctx).
		Where("sensor_type = ? AND unit = ? AND is_active = ?", string(t), unit, true).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return data.Threshold{}, false, nil
	}
	if err != nil {
		return data.Threshold{}, false, fmt.Errorf("query threshold %s: %w", data.ThresholdKey(t, unit), err)
	}
	return rec.toThreshold(), true, nil
}

// ReplaceThreshold deactivates the active threshold of the same key and
// inserts th in one transaction.
func (s *SQLStore) ReplaceThreshold(ctx context.Context, th data.Threshold) (data.Threshold, error) {
	th.Active = true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&thresholdRecord{}).
			Where("sensor_type = ? AND unit = ? AND is_active = ?", string(th.SensorType), th.Unit, true).
			Updates(map[string]interface{}{"is_active": false, "updated_at": th.CreatedAt}).Error; err != nil {
			return err
		}
		rec := thresholdRecord{
			ID:         th.ID,
			SensorType: string(th.SensorType),
			Unit:       th.Unit,
			MinValue:   th.Min,
			MaxValue:   th.Max,
			IsActive:   true,
			CreatedBy:  th.CreatedBy,
			CreatedAt:  th.CreatedAt,
			UpdatedAt:  th.UpdatedAt,
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return data.Threshold{}, fmt.Errorf("replace threshold %s: %w", th.Key(), err)
	}
	return th, nil
}

func (s *SQLStore) ListThresholds(ctx context.Context, activeOnly bool) ([]data.Threshold, error) {
	q := s.db.WithContext(ctx).Order("sensor_type ASC").Order("created_at ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var recs []thresholdRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	out := make([]data.Threshold, len(recs))
	for i, rec := range recs {
		out[i] = rec.toThreshold()
	}
	return out, nil
}

func (rec thresholdRecord) toThreshold() data.Threshold {
	return data.Threshold{
		ID:         rec.ID,
		SensorType: data.SensorType(rec.SensorType),
		Unit:       rec.Unit,
		Min:        rec.MinValue,
		Max:        rec.MaxValue,
		Active:     rec.IsActive,
		CreatedBy:  rec.CreatedBy,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// SaveAlert inserts a, or overwrites the stored alert with the same ID.
func (s *SQLStore) SaveAlert(ctx context.Context, a data.Alert) error {
	rec := alertRecord{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		SensorID:       a.SensorID,
		SensorType:     string(a.SensorType),
		AlertType:      string(a.Kind),
		Value:          a.Value,
		ThresholdValue: a.ThresholdValue,
		Unit:           a.Unit,
		LocationID:     a.LocationID,
		DeviceID:       a.DeviceID,
		Message:        a.Message,
		IsActive:       a.Active,
		CreatedAt:      a.CreatedAt,
		ResolvedAt:     a.ResolvedAt,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (data.Alert, error) {
	var rec alertRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return data.Alert{}, data.ErrNotFound
	}
	if err != nil {
		return data.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	return rec.toAlert(), nil
}

// ActiveAlerts returns the active alerts of an owner, newest first.
func (s *SQLStore) ActiveAlerts(ctx context.Context, ownerID int64, limit int) ([]data.Alert, error) {
	q := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []alertRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	out := make([]data.Alert, len(recs))
	for i, rec := range recs {
		out[i] = rec.toAlert()
	}
	return out, nil
}

func (s *SQLStore) ActiveAlertForSensor(ctx context.Context, ownerID int64, sensorID string) (data.Alert, bool, error) {
	var rec alertRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND sensor_id = ? AND is_active = ?", ownerID, sensorID, true).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return data.Alert{}, false, nil
	}
	if err != nil {
		return data.Alert{}, false, fmt.Errorf("query active alert for %s: %w", sensorID, err)
	}
	return rec.toAlert(), true, nil
}

func (rec alertRecord) toAlert() data.Alert {
	return data.Alert{
		ID:             rec.ID,
		OwnerID:        rec.OwnerID,
		SensorID:       rec.SensorID,
		SensorType:     data.SensorType(rec.SensorType),
		Kind:           data.AlertKind(rec.AlertType),
		Value:          rec.Value,
		ThresholdValue: rec.ThresholdValue,
		Unit:           rec.Unit,
		LocationID:     rec.LocationID,
		DeviceID:       rec.DeviceID,
		Message:        rec.Message,
		Active:         rec.IsActive,
		CreatedAt:      rec.CreatedAt,
		ResolvedAt:     rec.ResolvedAt,
	}
}

func (s *SQLStore) Close() error { return closeDB(s.db) }
