package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/data"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeClient struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	fail      error
	connected bool
	closed    bool
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return newToken(c.fail)
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Disconnect(uint) { c.closed = true }

func TestMQTTNotifier_Notify(t *testing.T) {
	c := &fakeClient{connected: true}
	n := newMQTTNotifier(c, config.MQTTConfig{TopicPrefix: "vg/alerts", QoS: 1}, nil)
	a := data.Alert{ID: "a1", OwnerID: 42, SensorID: "42_ph_1", Kind: data.AlertLow, Active: true}

	require.NoError(t, n.Notify(context.Background(), a))
	require.Len(t, c.topics, 1)
	assert.Equal(t, "vg/alerts/42/42_ph_1", c.topics[0])

	var got data.Alert
	require.NoError(t, json.Unmarshal(c.payloads[0], &got))
	assert.Equal(t, "a1", got.ID)

	require.NoError(t, n.Close())
	assert.True(t, c.closed)
}

func TestMQTTNotifier_PublishError(t *testing.T) {
	c := &fakeClient{fail: errors.New("not connected")}
	n := newMQTTNotifier(c, config.MQTTConfig{}, nil)
	err := n.Notify(context.Background(), data.Alert{ID: "a1", OwnerID: 1, SensorID: "s"})
	assert.Error(t, err)
	assert.Equal(t, "vineguard/alerts/1/s", c.topics[0])
}
