// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types exchanged over the persistent connection.
const (
	TypeWelcome          = "welcome"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeRequestData      = "request_data"
	TypeRequestCompleted = "request_completed"
	TypeSensorData       = "sensor_data"
	TypeSensorAlert      = "sensor_alert"
	TypeThresholdsData   = "thresholds_data"
	TypeSystem           = "system"
	TypeEcho             = "echo"
)

// ErrMalformedEnvelope is returned for payloads that are not a JSON object with a type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the wire shape of every message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps data, which must marshal to a JSON object, into an envelope.
func NewEnvelope(msgType string, data interface{}, now time.Time) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: now.UTC()}
	if data == nil {
		env.Data = json.RawMessage(`{}`)
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Data = raw
	return env, nil
}

// Encode marshals an envelope in one step.
func Encode(msgType string, data interface{}, now time.Time) ([]byte, error) {
	env, err := NewEnvelope(msgType, data, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse decodes an inbound envelope. A missing timestamp is allowed; a missing
// type is not.
func Parse(raw []byte) (*Envelope, error) {
	var head struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	env := &Envelope{Type: head.Type, Data: head.Data, Timestamp: time.Now().UTC()}
	if head.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, head.Timestamp); err == nil {
			env.Timestamp = t
		}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = json.RawMessage(`{}`)
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// GroupsRequest is the payload of subscribe and unsubscribe.
type GroupsRequest struct {
	Groups []string `json:"groups"`
}

// DataRequest is the payload of request_data.
type DataRequest struct {
	Target     string           `json:"target"`
	Manual     *bool            `json:"manual,omitempty"`
	AlertID    string           `json:"alert_id,omitempty"`
	Thresholds []ThresholdInput `json:"thresholds,omitempty"`
}

// IsManual reports the manual flag, defaulting to true.
func (r DataRequest) IsManual() bool {
	if r.Manual == nil {
		return true
	}
	return *r.Manual
}

// ThresholdInput is a client-submitted threshold.
type ThresholdInput struct {
	SensorType string  `json:"sensorType"`
	Unit       string  `json:"unit"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
}
