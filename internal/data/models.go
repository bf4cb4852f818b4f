// internal/data/models.go
package data

import (
	"fmt"
	"time"
)

// SensorType identifies the physical quantity a sensor measures.
type SensorType string

const (
	Temperature     SensorType = "temperature"
	Humidity        SensorType = "humidity"
	SoilMoisture    SensorType = "soil_moisture"
	SoilTemperature SensorType = "soil_temperature"
	Light           SensorType = "light"
	PH              SensorType = "ph"
	WindSpeed       SensorType = "wind_speed"
	WindDirection   SensorType = "wind_direction"
	Rainfall        SensorType = "rainfall"
	CO2             SensorType = "co2"
)

// SensorTypes lists every known type in allocation order.
var SensorTypes = []SensorType{
	Temperature, Humidity, SoilMoisture, SoilTemperature, Light,
	PH, WindSpeed, WindDirection, Rainfall, CO2,
}

// ParseSensorType returns the SensorType named by s.
func ParseSensorType(s string) (SensorType, bool) {
	for _, t := range SensorTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Status is the threshold classification attached to a reading.
type Status string

const (
	StatusNormal Status = "normal"
	StatusHigh   Status = "high"
	StatusLow    Status = "low"
)

// AlertKind is the direction of a threshold crossing.
type AlertKind string

const (
	AlertHigh   AlertKind = "high"
	AlertLow    AlertKind = "low"
	AlertNormal AlertKind = "normal"
)

// SensorStream is one simulated sensor belonging to an owner.
type SensorStream struct {
	OwnerID    int64      `json:"owner_id"`
	SensorID   string     `json:"sensor_id"`
	Type       SensorType `json:"type"`
	Unit       string     `json:"unit"`
	LocationID string     `json:"location_id"`
	DeviceID   string     `json:"device_id"`
	Value      float64    `json:"value"`
}

// Reading - one generated sample, as persisted and broadcast
type Reading struct {
	ID         string                 `json:"id"`
	OwnerID    int64                  `json:"user_id"`
	SensorID   string                 `json:"sensor_id"`
	Type       SensorType             `json:"type"`
	Value      float64                `json:"value"`
	Unit       string                 `json:"unit"`
	LocationID string                 `json:"location_id"`
	DeviceID   string                 `json:"device_id,omitempty"`
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Threshold - active [Min, Max] band for a (type, unit) key
type Threshold struct {
	ID         string     `json:"id"`
	SensorType SensorType `json:"sensorType"`
	Unit       string     `json:"unit"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
	Active     bool       `json:"isActive"`
	CreatedBy  int64      `json:"createdBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Key returns the (type, unit) identity thresholds are unique on.
func (t Threshold) Key() string {
	return ThresholdKey(t.SensorType, t.Unit)
}

// ThresholdKey builds the lookup key for a (type, unit) pair.
func ThresholdKey(sensorType SensorType, unit string) string {
	return string(sensorType) + "|" + unit
}

// Alert - point-in-time record of a threshold crossing
type Alert struct {
	ID             string     `json:"id"`
	OwnerID        int64      `json:"user_id"`
	SensorID       string     `json:"sensor_id"`
	SensorType     SensorType `json:"sensor_type"`
	Kind           AlertKind  `json:"alert_type"`
	Value          float64    `json:"value"`
	ThresholdValue float64    `json:"threshold_value"`
	Unit           string     `json:"unit"`
	LocationID     string     `json:"location_id,omitempty"`
	DeviceID       string     `json:"device_id,omitempty"`
	Message        string     `json:"message"`
	Active         bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"timestamp"`
	ResolvedAt     *time.Time `json:"resolved_at"`
}

// Resolve marks the alert closed at t. Already resolved alerts are unchanged.
func (a *Alert) Resolve(t time.Time) {
	if !a.Active {
		return
	}
	a.Active = false
	a.ResolvedAt = &t
}

// AlertMessage renders the human readable text for a crossing.
func AlertMessage(kind AlertKind, sensorID string, value float64, unit string, threshold float64) string {
	switch kind {
	case AlertHigh:
		return fmt.Sprintf("Sensor %s value (%.2f %s) is above maximum threshold (%.2f %s)", sensorID, value, unit, threshold, unit)
	case AlertLow:
		return fmt.Sprintf("Sensor %s value (%.2f %s) is below minimum threshold (%.2f %s)", sensorID, value, unit, threshold, unit)
	default:
		return fmt.Sprintf("Sensor %s value (%.2f %s) is back within thresholds", sensorID, value, unit)
	}
}

// OwnerGroup is the group every connection of an owner is joined to.
func OwnerGroup(ownerID int64) string {
	return fmt.Sprintf("user:%d", ownerID)
}

// Well-known broadcast groups.
const (
	GroupAll = "sensor:all"
)

// TypeGroup is the group for readings of one sensor type.
func TypeGroup(t SensorType) string { return "sensor:" + string(t) }

// LocationGroup is the group for readings at one location.
func LocationGroup(locationID string) string { return "location:" + locationID }
