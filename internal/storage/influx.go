// internal/storage/influx.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

// ErrSinkUnavailable is returned while the sink's breaker is open.
var ErrSinkUnavailable = errors.New("sink unavailable")

// PointWriter is the subset of the Influx blocking write API the sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink mirrors readings into an InfluxDB bucket. Writes go through a
// circuit breaker so a down database does not stall every tick.
type InfluxSink struct {
	client      influxdb2.Client
	writer      PointWriter
	measurement string
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

// NewInfluxSink connects to the configured bucket.
func NewInfluxSink(cfg config.InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	var writeAPI api.WriteAPIBlocking = client.WriteAPIBlocking(cfg.Org, cfg.Bucket)
	s := newInfluxSink(writeAPI, cfg, logger)
	s.client = client
	return s, nil
}

func newInfluxSink(w PointWriter, cfg config.InfluxConfig, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "sensor_reading"
	}
	fails := cfg.Breaker.MaxFailures
	if fails == 0 {
		fails = 5
	}
	s := &InfluxSink{writer: w, measurement: measurement, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "influx",
		Interval: cfg.Breaker.Interval,
		Timeout:  cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

func (s *InfluxSink) Name() string { return "influx" }

// SaveReading writes r as one point tagged by owner, sensor, type and location.
func (s *InfluxSink) SaveReading(ctx context.Context, r data.Reading) error {
	t := r.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	tags := map[string]string{
		"owner_id":    fmt.Sprintf("%d", r.OwnerID),
		"sensor_id":   r.SensorID,
		"sensor_type": string(r.Type),
		"location_id": r.LocationID,
		"unit":        r.Unit,
	}
	fields := map[string]interface{}{
		"value":  r.Value,
		"status": string(r.Status),
	}
	point := influxdb2.NewPoint(s.measurement, tags, fields, t)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writer.WritePoint(ctx, point)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("influx write %s: %w", r.SensorID, err)
	}
	return nil
}

// State exposes the breaker state for health reporting.
func (s *InfluxSink) State() string { return s.breaker.State().String() }

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
