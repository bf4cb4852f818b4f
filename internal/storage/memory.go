// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"

	"vineguard-gateway/internal/data"
)

const maxBufferSize = 100 // Keep the last 100 readings per owner

// MemoryStore keeps readings, thresholds and alerts in process memory. It backs
// the "memory" database driver and the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	readings   map[int64][]data.Reading
	capacity   int
	thresholds []data.Threshold
	alerts     map[string]data.Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[int64][]data.Reading),
		capacity: maxBufferSize,
		alerts:   make(map[string]data.Alert),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

// SaveReading appends r to its owner's ring buffer.
func (s *MemoryStore) SaveReading(_ context.Context, r data.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.readings[r.OwnerID]
	if len(buf) >= s.capacity {
		// Remove the oldest element
		buf = buf[1:]
	}
	s.readings[r.OwnerID] = append(buf, r)
	return nil
}

// RecentReadings returns up to count readings of an owner, oldest first.
func (s *MemoryStore) RecentReadings(_ context.Context, ownerID int64, count int) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.readings[ownerID]
	if count <= 0 || count > len(buf) {
		count = len(buf)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]data.Reading, count)
	copy(result, buf[len(buf)-count:])
	return result, nil
}

func (s *MemoryStore) ActiveThreshold(_ context.Context, t data.SensorType, unit string) (data.Threshold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.thresholds) - 1; i >= 0; i-- {
		th := s.thresholds[i]
		if th.Active && th.SensorType == t && th.Unit == unit {
			return th, true, nil
		}
	}
	return data.Threshold{}, false, nil
}

func (s *MemoryStore) ReplaceThreshold(_ context.Context, th data.Threshold) (data.Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := th.Key()
	for i := range s.thresholds {
		if s.thresholds[i].Active && s.thresholds[i].Key() == key {
			s.thresholds[i].Active = false
			s.thresholds[i].UpdatedAt = th.CreatedAt
		}
	}
	th.Active = true
	s.thresholds = append(s.thresholds, th)
	return th, nil
}

func (s *MemoryStore) ListThresholds(_ context.Context, activeOnly bool) ([]data.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.Threshold, 0, len(s.thresholds))
	for _, th := range s.thresholds {
		if activeOnly && !th.Active {
			continue
		}
		out = append(out, th)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SensorType < out[j].SensorType })
	return out, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return data.Alert{}, data.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ActiveAlerts(_ context.Context, ownerID int64, limit int) ([]data.Alert, error) {
	s.mu.RLock()
	out := make([]data.Alert, 0)
	for _, a := range s.alerts {
		if a.Active && a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveAlertForSensor(_ context.Context, ownerID int64, sensorID string) (data.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found data.Alert
	ok := false
	for _, a := range s.alerts {
		if a.Active && a.OwnerID == ownerID && a.SensorID == sensorID {
			if !ok || a.CreatedAt.After(found.CreatedAt) {
				found, ok = a, true
			}
		}
	}
	return found, ok, nil
}

// Alerts returns every stored alert of a sensor, oldest first.
func (s *MemoryStore) Alerts(sensorID string) []data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.Alert, 0)
	for _, a := range s.alerts {
		if a.SensorID == sensorID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) Close() error { return nil }
