// Package anomaly evaluates readings against the active threshold of their
// (type, unit) key and drives a per-sensor alert state machine.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
	"vineguard-gateway/internal/shard"
	"vineguard-gateway/internal/simulator"
)

var (
	ErrAlertNotFound    = errors.New("alert not found")
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// ThresholdStore persists thresholds. ReplaceThreshold must deactivate any
// active threshold of the same (type, unit) key and insert th atomically.
type ThresholdStore interface {
	ActiveThreshold(ctx context.Context, t data.SensorType, unit string) (data.Threshold, bool, error)
	ReplaceThreshold(ctx context.Context, th data.Threshold) (data.Threshold, error)
	ListThresholds(ctx context.Context, activeOnly bool) ([]data.Threshold, error)
}

// AlertStore persists alerts. SaveAlert inserts or updates by ID.
type AlertStore interface {
	SaveAlert(ctx context.Context, a data.Alert) error
	GetAlert(ctx context.Context, id string) (data.Alert, error)
	ActiveAlerts(ctx context.Context, ownerID int64, limit int) ([]data.Alert, error)
	ActiveAlertForSensor(ctx context.Context, ownerID int64, sensorID string) (data.Alert, bool, error)
}

// Evaluation is the result of checking one reading.
type Evaluation struct {
	Status    data.Status
	Threshold *data.Threshold
	// Alert is the newly emitted alert, nil when the state did not change.
	Alert *data.Alert
	// Closed is the previously active alert resolved by this reading.
	Closed *data.Alert
}

// Detector is the threshold engine.
type Detector struct {
	thresholds ThresholdStore
	alerts     AlertStore
	states     *shard.Map[*sensorState]
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

func NewDetector(thresholds ThresholdStore, alerts AlertStore, opts ...Option) *Detector {
	d := &Detector{
		thresholds: thresholds,
		alerts:     alerts,
		states:     shard.New[*sensorState](0),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func stateKey(ownerID int64, sensorID string) string {
	return strconv.FormatInt(ownerID, 10) + "/" + sensorID
}

// Evaluate classifies r and, when the sensor changes state, records and returns
// the resulting alert. A reading whose (type, unit) has no active threshold is
// normal and leaves the state untouched.
func (d *Detector) Evaluate(ctx context.Context, r data.Reading) (Evaluation, error) {
	th, ok, err := d.thresholds.ActiveThreshold(ctx, r.Type, r.Unit)
	if err != nil {
		return Evaluation{Status: data.StatusNormal}, fmt.Errorf("load threshold %s/%s: %w", r.Type, r.Unit, err)
	}
	if !ok {
		return Evaluation{Status: data.StatusNormal}, nil
	}

	st := d.states.LoadOrCreate(stateKey(r.OwnerID, r.SensorID), func() *sensorState { return &sensorState{} })
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := d.hydrate(ctx, st, r.OwnerID, r.SensorID); err != nil {
			return Evaluation{Status: data.StatusNormal}, err
		}
	}

	tr := step(st.state, r.Value, th)
	ev := Evaluation{Status: tr.status, Threshold: &th}
	if tr.emit == "" {
		return ev, nil
	}

	now := d.now().UTC()
	if st.active != nil {
		closed := *st.active
		closed.Resolve(now)
		if err := d.alerts.SaveAlert(ctx, closed); err != nil {
			return ev, fmt.Errorf("close alert %s: %w", closed.ID, err)
		}
		st.active = nil
		ev.Closed = &closed
	}

	alert := data.Alert{
		ID:             uuid.NewString(),
		OwnerID:        r.OwnerID,
		SensorID:       r.SensorID,
		SensorType:     r.Type,
		Kind:           tr.emit,
		Value:          r.Value,
		ThresholdValue: tr.bound,
		Unit:           r.Unit,
		LocationID:     r.LocationID,
		DeviceID:       r.DeviceID,
		Message:        data.AlertMessage(tr.emit, r.SensorID, r.Value, r.Unit, tr.bound),
		Active:         true,
		CreatedAt:      now,
	}
	if tr.emit == data.AlertNormal {
		alert.Resolve(now)
	}
	if err := d.alerts.SaveAlert(ctx, alert); err != nil {
		return ev, fmt.Errorf("save %s alert for %s: %w", alert.Kind, r.SensorID, err)
	}

	st.state = tr.next
	if alert.Active {
		a := alert
		st.active = &a
	}
	ev.Alert = &alert
	d.metrics.AlertEmitted(string(alert.Kind))
	d.logger.Info("sensor alert",
		"owner_id", r.OwnerID, "sensor_id", r.SensorID, "kind", alert.Kind,
		"value", r.Value, "threshold", tr.bound)
	return ev, nil
}

// Classify reports the status of r against the active threshold without
// touching alert state or recording anything.
func (d *Detector) Classify(ctx context.Context, r data.Reading) (data.Status, error) {
	th, ok, err := d.thresholds.ActiveThreshold(ctx, r.Type, r.Unit)
	if err != nil {
		return data.StatusNormal, fmt.Errorf("load threshold %s/%s: %w", r.Type, r.Unit, err)
	}
	if !ok {
		return data.StatusNormal, nil
	}
	return step(StateNormal, r.Value, th).status, nil
}

// hydrate seeds a fresh sensor state from the store so an alert left active by a
// previous process is closed rather than duplicated.
func (d *Detector) hydrate(ctx context.Context, st *sensorState, ownerID int64, sensorID string) error {
	a, ok, err := d.alerts.ActiveAlertForSensor(ctx, ownerID, sensorID)
	if err != nil {
		return fmt.Errorf("load active alert for %s: %w", sensorID, err)
	}
	if ok {
		st.state = stateForKind(a.Kind)
		st.active = &a
	}
	st.loaded = true
	return nil
}

// State reports the current hysteresis state of a sensor.
func (d *Detector) State(ownerID int64, sensorID string) AlertState {
	st, ok := d.states.Load(stateKey(ownerID, sensorID))
	if !ok {
		return StateNormal
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Resolve closes an alert by ID. Resolving an already closed alert returns it
// unchanged. The sensor keeps its breach state, so a persisting breach does not
// re-alert until the sensor returns to normal or flips direction.
func (d *Detector) Resolve(ctx context.Context, alertID string) (data.Alert, error) {
	a, err := d.alerts.GetAlert(ctx, alertID)
	if errors.Is(err, data.ErrNotFound) {
		return data.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if err != nil {
		return data.Alert{}, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if !a.Active {
		return a, nil
	}

	st := d.states.LoadOrCreate(stateKey(a.OwnerID, a.SensorID), func() *sensorState { return &sensorState{} })
	st.mu.Lock()
	defer st.mu.Unlock()

	a.Resolve(d.now().UTC())
	if err := d.alerts.SaveAlert(ctx, a); err != nil {
		return data.Alert{}, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	if st.active != nil && st.active.ID == a.ID {
		st.active = nil
	}
	if !st.loaded {
		st.state = stateForKind(a.Kind)
		st.loaded = true
	}
	return a, nil
}

// CreateOrReplaceThreshold installs a new active threshold for (t, unit),
// deactivating the previous one.
func (d *Detector) CreateOrReplaceThreshold(ctx context.Context, t data.SensorType, unit string, min, max float64, ownerID int64) (data.Threshold, error) {
	if _, ok := data.ParseSensorType(string(t)); !ok {
		return data.Threshold{}, fmt.Errorf("%w: unknown sensor type %q", ErrInvalidThreshold, t)
	}
	if unit == "" {
		return data.Threshold{}, fmt.Errorf("%w: unit required", ErrInvalidThreshold)
	}
	if min >= max {
		return data.Threshold{}, fmt.Errorf("%w: min %.2f must be below max %.2f", ErrInvalidThreshold, min, max)
	}

	now := d.now().UTC()
	th, err := d.thresholds.ReplaceThreshold(ctx, data.Threshold{
		ID:         uuid.NewString(),
		SensorType: t,
		Unit:       unit,
		Min:        min,
		Max:        max,
		Active:     true,
		CreatedBy:  ownerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return data.Threshold{}, fmt.Errorf("replace threshold %s/%s: %w", t, unit, err)
	}
	d.logger.Info("threshold created", "type", t, "unit", unit, "min", min, "max", max, "owner_id", ownerID)
	return th, nil
}

// ActiveThreshold returns the active threshold of a (type, unit) key.
func (d *Detector) ActiveThreshold(ctx context.Context, t data.SensorType, unit string) (data.Threshold, bool, error) {
	return d.thresholds.ActiveThreshold(ctx, t, unit)
}

// Thresholds lists stored thresholds.
func (d *Detector) Thresholds(ctx context.Context, activeOnly bool) ([]data.Threshold, error) {
	return d.thresholds.ListThresholds(ctx, activeOnly)
}

// EnsureDefaultThresholds synthesizes default thresholds when no active
// threshold exists at all, and returns the active set.
func (d *Detector) EnsureDefaultThresholds(ctx context.Context, ownerID int64) ([]data.Threshold, error) {
	active, err := d.thresholds.ListThresholds(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return active, nil
	}
	return d.ResetThresholds(ctx, ownerID)
}

// ResetThresholds replaces the threshold of every sensor type with its default.
func (d *Detector) ResetThresholds(ctx context.Context, ownerID int64) ([]data.Threshold, error) {
	out := make([]data.Threshold, 0, len(data.SensorTypes))
	for _, t := range data.SensorTypes {
		lo, hi, unit, ok := simulator.DefaultBand(t)
		if !ok {
			continue
		}
		th, err := d.CreateOrReplaceThreshold(ctx, t, unit, lo, hi, ownerID)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, nil
}

// ActiveAlerts lists an owner's open alerts, newest first.
func (d *Detector) ActiveAlerts(ctx context.Context, ownerID int64, limit int) ([]data.Alert, error) {
	return d.alerts.ActiveAlerts(ctx, ownerID, limit)
}

// Alert loads one alert.
func (d *Detector) Alert(ctx context.Context, id string) (data.Alert, error) {
	a, err := d.alerts.GetAlert(ctx, id)
	if errors.Is(err, data.ErrNotFound) {
		return data.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return a, err
}
