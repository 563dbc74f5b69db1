// Package platform holds the native backends: one NativeDevice/Backend
// implementation per operating system, selected at startup by a capability
// probe. Everything above this package is platform independent.
package platform

import (
	"log/slog"

	"github.com/Alia5/nativehid/hid"
)

// Backend is the per-platform device manager contract: enumeration and open.
// Exactly one implementation is active per process.
type Backend interface {
	// Name identifies the backend ("hidraw", "win32", "iokit").
	Name() string

	// Enumerate returns every HID interface matching the vendor/product
	// filter; zero wildcards a field. An empty result is not an error at
	// this layer.
	Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error)

	// Open opens the device identified by info.Path.
	Open(info hid.DeviceInfo) (hid.Device, error)
}

// Probe selects the platform backend and verifies the native device
// subsystem is reachable.
func Probe(logger *slog.Logger) (Backend, error) {
	b, err := newBackend(logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("selected hid backend", "backend", b.Name())
	return b, nil
}
