// Package scheduler drives the periodic generation tick: for every active
// owner it generates readings, evaluates them, persists them and broadcasts the
// results.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vineguard-gateway/internal/anomaly"
	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
	"vineguard-gateway/internal/simulator"
	"vineguard-gateway/internal/storage"
)

const DefaultInterval = 300 * time.Second

// OwnerSource enumerates the owners readings are generated for.
type OwnerSource interface {
	ActiveOwners(ctx context.Context) ([]auth.Owner, error)
	Owner(id int64) (auth.Owner, error)
}

// ReadingPublisher delivers readings to live connections.
type ReadingPublisher interface {
	PublishReading(r data.Reading) (int, error)
}

// AlertProcessor delivers emitted alerts.
type AlertProcessor interface {
	ProcessAlerts(ctx context.Context, alerts ...data.Alert)
}

// Config wires a Scheduler.
type Config struct {
	Interval  time.Duration
	Workers   int
	Owners    OwnerSource
	Generator *simulator.Generator
	Engine    *anomaly.Detector
	Sinks     []storage.ReadingSink
	Publisher ReadingPublisher
	Alerts    AlertProcessor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger.With("component", "scheduler")}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "workers", s.cfg.Workers)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one generation pass over all active owners. Per-owner failures are
// logged and counted; they never abort the pass.
func (s *Scheduler) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	start := time.Now()
	defer func() { s.cfg.Metrics.ObserveTick(time.Since(start)) }()

	owners, err := s.cfg.Owners.ActiveOwners(ctx)
	if err != nil {
		s.logger.Error("list owners failed", "error", err)
		return 0
	}

	counts := make([]int, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, o := range owners {
		if gctx.Err() != nil {
			break
		}
		i, o := i, o
		g.Go(func() error {
			n, err := s.safeProcess(gctx, o, true)
			counts[i] = n
			if err != nil {
				s.cfg.Metrics.OwnerFailed()
				s.logger.Error("owner tick failed", "owner_id", o.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	s.logger.Info("tick complete", "owners", len(owners), "readings", total, "duration", time.Since(start))
	return total
}

// RunOnce generates one round of readings for a single owner outside the tick,
// as requested by a connected client.
func (s *Scheduler) RunOnce(ctx context.Context, ownerID int64, checkThresholds bool) (int, error) {
	o, err := s.cfg.Owners.Owner(ownerID)
	if err != nil {
		return 0, err
	}
	return s.safeProcess(ctx, o, checkThresholds)
}

func (s *Scheduler) safeProcess(ctx context.Context, o auth.Owner, check bool) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing owner %d: %v", o.ID, r)
		}
	}()
	return s.processOwner(ctx, o, check)
}

func (s *Scheduler) processOwner(ctx context.Context, o auth.Owner, check bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	streams := s.cfg.Generator.Streams(o.ID, o.Allotment)
	now := s.cfg.Now().UTC()

	count := 0
	for _, st := range streams {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		value := s.cfg.Generator.Generate(o.ID, st.SensorID, st.Type, now)
		r := data.Reading{
			ID:         uuid.NewString(),
			OwnerID:    o.ID,
			SensorID:   st.SensorID,
			Type:       st.Type,
			Value:      math.Round(value*100) / 100,
			Unit:       st.Unit,
			LocationID: st.LocationID,
			DeviceID:   st.DeviceID,
			Status:     data.StatusNormal,
			Timestamp:  now,
			Metadata:   map[string]interface{}{"simulated": true},
		}

		var alert *data.Alert
		switch {
		case s.cfg.Engine == nil:
		case check:
			ev, err := s.cfg.Engine.Evaluate(ctx, r)
			if err != nil {
				s.logger.Warn("threshold evaluation failed", "sensor_id", r.SensorID, "error", err)
			}
			r.Status = ev.Status
			alert = ev.Alert
		default:
			// Manual refresh: classify only, no alerts.
			status, err := s.cfg.Engine.Classify(ctx, r)
			if err != nil {
				s.logger.Warn("threshold classification failed", "sensor_id", r.SensorID, "error", err)
			}
			r.Status = status
		}

		for _, sink := range s.cfg.Sinks {
			if err := sink.SaveReading(ctx, r); err != nil {
				s.cfg.Metrics.SinkFailed(sink.Name())
				s.logger.Warn("save reading failed", "sink", sink.Name(), "sensor_id", r.SensorID, "error", err)
			}
		}
		s.cfg.Metrics.ReadingGenerated()
		count++

		if s.cfg.Publisher != nil {
			if _, err := s.cfg.Publisher.PublishReading(r); err != nil {
				s.logger.Warn("publish reading failed", "sensor_id", r.SensorID, "error", err)
			}
		}
		if alert != nil && s.cfg.Alerts != nil {
			s.cfg.Alerts.ProcessAlerts(ctx, *alert)
		}
	}
	s.logger.Debug("owner processed", "owner_id", o.ID, "readings", count)
	return count, nil
}
