package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	s, err := NewSQLStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
}

func TestStore_ReplaceThreshold(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.ReplaceThreshold(ctx, data.Threshold{ID: "a", SensorType: data.PH, Unit: "pH", Min: 5, Max: 7, CreatedAt: t0})
		require.NoError(t, err)
		_, err = s.ReplaceThreshold(ctx, data.Threshold{ID: "b", SensorType: data.PH, Unit: "pH", Min: 6, Max: 8, CreatedAt: t0.Add(time.Minute)})
		require.NoError(t, err)

		th, ok, err := s.ActiveThreshold(ctx, data.PH, "pH")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", th.ID)
		assert.Equal(t, 6.0, th.Min)

		active, err := s.ListThresholds(ctx, true)
		require.NoError(t, err)
		assert.Len(t, active, 1)
		all, err := s.ListThresholds(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, ok, err = s.ActiveThreshold(ctx, data.CO2, "ppm")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_Alerts(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveAlert(ctx, data.Alert{
				ID: fmt.Sprintf("a%d", i), OwnerID: 42, SensorID: "42_ph_1", SensorType: data.PH,
				Kind: data.AlertLow, Active: true, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.SaveAlert(ctx, data.Alert{ID: "other", OwnerID: 7, SensorID: "7_ph_1", Active: true, CreatedAt: t0}))

		active, err := s.ActiveAlerts(ctx, 42, 2)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "a2", active[0].ID, "newest first")

		a, err := s.GetAlert(ctx, "a1")
		require.NoError(t, err)
		a.Resolve(t0.Add(time.Hour))
		require.NoError(t, s.SaveAlert(ctx, a))

		got, err := s.GetAlert(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, got.Active)
		require.NotNil(t, got.ResolvedAt)

		latest, ok, err := s.ActiveAlertForSensor(ctx, 42, "42_ph_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a2", latest.ID)

		_, err = s.GetAlert(ctx, "missing")
		assert.True(t, errors.Is(err, data.ErrNotFound))
	})
}

func TestStore_Readings(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.SaveReading(ctx, data.Reading{
				ID: fmt.Sprintf("r%d", i), OwnerID: 1, SensorID: "1_temperature_1", Type: data.Temperature,
				Value: float64(20 + i), Status: data.StatusNormal, Timestamp: t0.Add(time.Duration(i) * time.Second),
				Metadata: map[string]interface{}{"simulated": true},
			}))
		}
		recent, err := s.RecentReadings(ctx, 1, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "r2", recent[0].ID)
		assert.Equal(t, "r4", recent[2].ID)
		assert.Equal(t, true, recent[2].Metadata["simulated"])
	})
}

func TestMemoryStore_RingBuffer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < maxBufferSize+10; i++ {
		require.NoError(t, s.SaveReading(ctx, data.Reading{ID: fmt.Sprint(i), OwnerID: 1}))
	}
	all, err := s.RecentReadings(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, all, maxBufferSize)
	assert.Equal(t, "10", all[0].ID)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.DatabaseConfig{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	_, err = Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

type flakyWriter struct {
	fail   atomic.Bool
	points atomic.Int32
}

func (w *flakyWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	if w.fail.Load() {
		return errors.New("connection refused")
	}
	w.points.Add(int32(len(p)))
	return nil
}

func TestInfluxSink_Breaker(t *testing.T) {
	w := &flakyWriter{}
	s := newInfluxSink(w, config.InfluxConfig{
		Breaker: config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour},
	}, nil)
	ctx := context.Background()
	r := data.Reading{OwnerID: 1, SensorID: "1_co2_1", Type: data.CO2, Value: 400, Timestamp: t0}

	require.NoError(t, s.SaveReading(ctx, r))
	assert.Equal(t, int32(1), w.points.Load())

	w.fail.Store(true)
	assert.Error(t, s.SaveReading(ctx, r))
	assert.Error(t, s.SaveReading(ctx, r))
	assert.Equal(t, "open", s.State())

	w.fail.Store(false)
	err := s.SaveReading(ctx, r)
	assert.True(t, errors.Is(err, ErrSinkUnavailable))
	assert.Equal(t, int32(1), w.points.Load())
}

func TestNewInfluxSink_IncompleteConfig(t *testing.T) {
	_, err := NewInfluxSink(config.InfluxConfig{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}
