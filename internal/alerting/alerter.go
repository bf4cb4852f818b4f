// internal/alerting/alerter.go
package alerting

import (
	"context"
	"log/slog"

	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
)

// Publisher delivers alerts to live connections.
type Publisher interface {
	PublishAlert(a data.Alert) (int, error)
}

// Notifier is an external alert channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a data.Alert) error
}

// Alerter sends alerts via every configured channel. A failing channel is
// logged and does not stop the others.
type Alerter struct {
	publisher Publisher
	notifiers []Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewAlerter(p Publisher, m *metrics.Metrics, logger *slog.Logger, notifiers ...Notifier) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{publisher: p, notifiers: notifiers, metrics: m, logger: logger}
}

// ProcessAlerts delivers alerts in order.
func (a *Alerter) ProcessAlerts(ctx context.Context, alerts ...data.Alert) {
	if len(alerts) == 0 {
		return
	}
	for _, alert := range alerts {
		a.logger.Debug("dispatching alert", "alert_id", alert.ID, "owner_id", alert.OwnerID, "kind", alert.Kind)

		if a.publisher != nil {
			if _, err := a.publisher.PublishAlert(alert); err != nil {
				a.logger.Error("broadcast alert failed", "alert_id", alert.ID, "error", err)
			}
		}
		for _, n := range a.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				a.metrics.SinkFailed(n.Name())
				a.logger.Warn("alert notification failed", "notifier", n.Name(), "alert_id", alert.ID, "error", err)
			}
		}
	}
}
