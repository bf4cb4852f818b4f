package simulator

import (
	"math"

	"vineguard-gateway/internal/data"
)

// Profile bounds the random walk of one sensor type.
type Profile struct {
	Min     float64
	Max     float64
	Unit    string
	MaxStep float64
	Diurnal Pattern
}

// Midpoint is where a fresh walk starts.
func (p Profile) Midpoint() float64 { return (p.Min + p.Max) / 2 }

// Clamp bounds v to [Min, Max].
func (p Profile) Clamp(v float64) float64 {
	return math.Max(p.Min, math.Min(p.Max, v))
}

// Pattern returns the diurnal contribution for a fractional hour of day.
type Pattern func(hour float64) float64

// noonPeak is a sine over the day that crosses zero at 06:00 and 18:00 and
// peaks at 12:00.
func noonPeak(hour float64) float64 {
	return math.Sin((hour - 6) * math.Pi / 12)
}

var profiles = map[data.SensorType]Profile{
	data.Temperature: {Min: 15, Max: 35, Unit: "°C", MaxStep: 0.5,
		Diurnal: func(h float64) float64 { return noonPeak(h) * 5 }},
	data.Humidity: {Min: 40, Max: 95, Unit: "%", MaxStep: 2,
		Diurnal: func(h float64) float64 { return -noonPeak(h) * 10 }},
	data.SoilMoisture:    {Min: 20, Max: 80, Unit: "%", MaxStep: 1.5},
	data.SoilTemperature: {Min: 12, Max: 30, Unit: "°C", MaxStep: 0.3},
	data.Light: {Min: 0, Max: 100000, Unit: "lux", MaxStep: 5000,
		Diurnal: func(h float64) float64 {
			if h < 6 || h > 18 {
				return 0
			}
			return noonPeak(h) * 40000
		}},
	data.PH:            {Min: 5.5, Max: 8, Unit: "pH", MaxStep: 0.1},
	data.WindSpeed:     {Min: 0, Max: 20, Unit: "m/s", MaxStep: 2},
	data.WindDirection: {Min: 0, Max: 359, Unit: "degrees", MaxStep: 20},
	data.Rainfall:      {Min: 0, Max: 50, Unit: "mm", MaxStep: 5},
	data.CO2:           {Min: 300, Max: 1500, Unit: "ppm", MaxStep: 50},
}

// ProfileFor returns the generation profile of a sensor type.
func ProfileFor(t data.SensorType) (Profile, bool) {
	p, ok := profiles[t]
	return p, ok
}

// Diurnal evaluates the pattern of t at hour; types without one contribute 0.
func Diurnal(t data.SensorType, hour float64) float64 {
	p, ok := profiles[t]
	if !ok || p.Diurnal == nil {
		return 0
	}
	return p.Diurnal(hour)
}

// DefaultBand is the profile range widened by 10% of its span on each side,
// used to synthesize thresholds when none exist.
func DefaultBand(t data.SensorType) (lo, hi float64, unit string, ok bool) {
	p, ok := profiles[t]
	if !ok {
		return 0, 0, "", false
	}
	margin := (p.Max - p.Min) * 0.1
	return p.Min - margin, p.Max + margin, p.Unit, true
}
