package domain

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned by DeviceStore.Get for unknown ids.
var ErrDeviceNotFound = errors.New("device not found")

// Device is the state of a controllable device. Fields that do not apply to
// a device type are left zero.
type Device struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // light | thermostat | lock | security
	Location    string `json:"location"`
	State       string `json:"state,omitempty"`
	Brightness  int    `json:"brightness,omitempty"`
	Temperature int    `json:"temperature,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// DeviceStore is the shared device-state table used by device skills.
type DeviceStore interface {
	Get(ctx context.Context, id string) (Device, error)
	Set(ctx context.Context, id string, d Device) error
	List(ctx context.Context) ([]Device, error)
}
