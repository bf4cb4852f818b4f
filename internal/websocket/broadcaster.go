// internal/websocket/broadcaster.go
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
)

// Broadcaster fans envelopes out to registry members. Each call encodes the
// envelope once; a connection whose send fails is disconnected and the
// remaining recipients are still served.
type Broadcaster struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewBroadcaster(r *Registry, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: r, metrics: m, logger: logger, now: time.Now}
}

// Registry returns the registry the broadcaster delivers through.
func (b *Broadcaster) Registry() *Registry { return b.registry }

// Message builds an envelope stamped with the broadcaster clock.
func (b *Broadcaster) Message(msgType string, payload interface{}) (data.Envelope, error) {
	return data.NewEnvelope(msgType, payload, b.now())
}

// BroadcastToAll delivers env to every registered connection.
func (b *Broadcaster) BroadcastToAll(env data.Envelope) (int, error) {
	msg, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b.deliver("all", msg, b.registry.All()), nil
}

// BroadcastToGroup delivers env to the members of group.
func (b *Broadcaster) BroadcastToGroup(env data.Envelope, group string) (int, error) {
	msg, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b.deliver("group", msg, b.registry.GroupMembers(group)), nil
}

// BroadcastToGroups delivers env once to every connection in any of groups.
func (b *Broadcaster) BroadcastToGroups(env data.Envelope, groups ...string) (int, error) {
	msg, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	seen := make(map[string]struct{})
	var conns []Conn
	for _, g := range groups {
		for _, c := range b.registry.GroupMembers(g) {
			if _, dup := seen[c.ID()]; dup {
				continue
			}
			seen[c.ID()] = struct{}{}
			conns = append(conns, c)
		}
	}
	return b.deliver("group", msg, conns), nil
}

// SendToOwner delivers env to every connection of ownerID.
func (b *Broadcaster) SendToOwner(env data.Envelope, ownerID int64) (int, error) {
	msg, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b.deliver("owner", msg, b.registry.OwnerConns(ownerID)), nil
}

// SendDirect delivers env to a single connection. A failed send disconnects it
// and the error is returned.
func (b *Broadcaster) SendDirect(env data.Envelope, conn Conn) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := conn.Send(msg); err != nil {
		b.drop(conn, err)
		return fmt.Errorf("send %s to %s: %w", env.Type, conn.ID(), err)
	}
	b.metrics.Sent("direct", 1)
	return nil
}

// PublishReading delivers a reading to its owner, or to the type, location and
// catch-all groups when the reading has no owner.
func (b *Broadcaster) PublishReading(r data.Reading) (int, error) {
	env, err := b.Message(data.TypeSensorData, r)
	if err != nil {
		return 0, err
	}
	if r.OwnerID > 0 {
		return b.SendToOwner(env, r.OwnerID)
	}
	return b.BroadcastToGroups(env, data.TypeGroup(r.Type), data.LocationGroup(r.LocationID), data.GroupAll)
}

// PublishAlert routes an alert the same way as PublishReading.
func (b *Broadcaster) PublishAlert(a data.Alert) (int, error) {
	env, err := b.Message(data.TypeSensorAlert, a)
	if err != nil {
		return 0, err
	}
	if a.OwnerID > 0 {
		return b.SendToOwner(env, a.OwnerID)
	}
	return b.BroadcastToGroups(env, data.TypeGroup(a.SensorType), data.LocationGroup(a.LocationID), data.GroupAll)
}

func (b *Broadcaster) deliver(scope string, msg []byte, conns []Conn) int {
	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			b.drop(c, err)
			continue
		}
		sent++
	}
	b.metrics.Sent(scope, sent)
	return sent
}

func (b *Broadcaster) drop(c Conn, cause error) {
	b.logger.Warn("send failed, disconnecting", "conn_id", c.ID(), "error", cause)
	b.metrics.SendFailed()
	if b.registry.Disconnect(c) {
		_ = c.Close()
	}
}
