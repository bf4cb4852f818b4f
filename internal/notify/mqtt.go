// Package notify forwards alerts to external channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

const publishTimeout = 5 * time.Second

// mqttClient is the part of mqtt.Client the notifier uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTNotifier publishes every alert as JSON to
// <topic_prefix>/<owner_id>/<sensor_id>.
type MQTTNotifier struct {
	client mqttClient
	prefix string
	qos    byte
	logger *slog.Logger
}

// Dial connects to the broker, retrying with exponential backoff.
func Dial(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connAddr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Warn("failed to connect to mqtt broker", "broker", connAddr, "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish mqtt connection after retries: %w", err)
	}

	logger.Info("connected to mqtt broker", "broker", connAddr)
	return newMQTTNotifier(client, cfg, logger), nil
}

func newMQTTNotifier(c mqttClient, cfg config.MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "vineguard/alerts"
	}
	return &MQTTNotifier{client: c, prefix: prefix, qos: cfg.QoS, logger: logger}
}

// Topic is where alerts of a sensor are published.
func (n *MQTTNotifier) Topic(a data.Alert) string {
	return fmt.Sprintf("%s/%d/%s", n.prefix, a.OwnerID, a.SensorID)
}

// Notify publishes a and waits for the broker acknowledgement.
func (n *MQTTNotifier) Notify(ctx context.Context, a data.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	token := n.client.Publish(n.Topic(a), n.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish alert %s: timeout", a.ID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Close() error {
	if n.client.IsConnected() {
		n.client.Disconnect(250)
		n.logger.Info("mqtt connection closed")
	}
	return nil
}
