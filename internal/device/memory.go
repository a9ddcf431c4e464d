// Package device provides the device-state table that device skills read and
// update.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"jarvis/internal/domain"
)

// DefaultDevices is the household the store starts with when nothing else is
// configured.
func DefaultDevices() []domain.Device {
	return []domain.Device{
		{ID: "living_room_light", Type: "light", Location: "living room", State: "off", Brightness: 50},
		{ID: "bedroom_light", Type: "light", Location: "bedroom", State: "off", Brightness: 75},
		{ID: "kitchen_light", Type: "light", Location: "kitchen", State: "on", Brightness: 100},
		{ID: "main_thermostat", Type: "thermostat", Location: "main", Temperature: 72, Mode: "auto"},
		{ID: "front_door_lock", Type: "lock", Location: "front door", State: "locked"},
		{ID: "security_system", Type: "security", Location: "main", State: "armed", Mode: "home"},
	}
}

// MemoryStore keeps device state in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]domain.Device
}

// NewMemoryStore creates a store holding devices.
func NewMemoryStore(devices ...domain.Device) *MemoryStore {
	s := &MemoryStore{devices: make(map[string]domain.Device, len(devices))}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	return d, nil
}

func (s *MemoryStore) Set(_ context.Context, id string, d domain.Device) error {
	if id == "" {
		return fmt.Errorf("device id required")
	}
	d.ID = id
	s.mu.Lock()
	s.devices[id] = d
	s.mu.Unlock()
	return nil
}

// List returns all devices ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]domain.Device, error) {
	s.mu.RLock()
	out := make([]domain.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sortByID(out)
	return out, nil
}

func sortByID(devices []domain.Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
}
