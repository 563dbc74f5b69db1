// Package hid defines the caller-facing types and contracts for HID device
// access: normalized device records, the open-device operation surface, scan
// configuration and the error taxonomy. Platform backends implement these
// contracts; the hidmgr package wires them together.
package hid

import "time"

// BusType is the transport a HID interface rides on.
type BusType int

const (
	BusUnknown BusType = iota
	BusUSB
	BusBluetooth
	BusI2C
	BusSPI
)

func (b BusType) String() string {
	switch b {
	case BusUSB:
		return "usb"
	case BusBluetooth:
		return "bluetooth"
	case BusI2C:
		return "i2c"
	case BusSPI:
		return "spi"
	}
	return "unknown"
}

// DeviceInfo describes one enumerated HID interface. Records are immutable
// once enumerated; one physical interface may yield several records, one per
// usage-page/usage pair it exposes.
type DeviceInfo struct {
	// Path is an opaque, platform-specific identity string. It is stable
	// within one enumeration session only; callers must not parse it.
	Path string

	VendorID      uint16
	ProductID     uint16
	SerialNumber  string
	ReleaseNumber uint16 // BCD device release number
	Manufacturer  string
	Product       string

	UsagePage uint16
	Usage     uint16

	// InterfaceNumber is the USB interface number, or -1 where the concept
	// does not apply.
	InterfaceNumber int

	Bus BusType
}

// InputReportListener receives input reports as the device delivers them.
// Delivery is strictly ordered per device. The data slice is reused between
// deliveries: listeners must copy it before returning if they keep it.
type InputReportListener func(data []byte)

// Device is an open HID device handle.
//
// Close is idempotent and safe to call concurrently with in-flight input
// report delivery: listeners are unhooked and the read loop has fully stopped
// before the native handle is released.
type Device interface {
	// Info returns the DeviceInfo this handle was opened from.
	Info() DeviceInfo

	// Write sends an output report. The report id is prefixed and the
	// payload padded or truncated to the platform's fixed output report
	// length before transmission. Returns the number of payload bytes
	// accepted.
	Write(data []byte, reportID byte) (int, error)

	// GetFeatureReport reads a feature report into buf. buf[0] must hold the
	// report id on entry; the filled length is returned.
	GetFeatureReport(buf []byte, reportID byte) (int, error)

	// SendFeatureReport sends a feature report, padding to the fixed feature
	// report length.
	SendFeatureReport(data []byte, reportID byte) (int, error)

	// GetInputReport reads an input report by control transfer where the
	// platform supports it.
	GetInputReport(buf []byte, reportID byte) (int, error)

	// ReadInputReport performs one bounded read of an input report. A zero
	// length result with nil error means no data was available in time on
	// platforms whose read model is non-blocking.
	ReadInputReport(buf []byte, timeout time.Duration) (int, error)

	// GetReportDescriptor returns the device's report descriptor bytes,
	// reconstructed from the parsed capability table on platforms that do
	// not expose the raw bytes.
	GetReportDescriptor() ([]byte, error)

	// AddInputReportListener registers a listener and starts background
	// input delivery if it is not already running.
	AddInputReportListener(fn InputReportListener)

	Close() error
}

// ScanMode selects how the device manager watches for attach and detach.
type ScanMode int

const (
	// ScanNone performs the initial enumeration only; no scan thread runs.
	ScanNone ScanMode = iota
	// ScanFixedInterval re-enumerates at a fixed interval.
	ScanFixedInterval
	// ScanFixedIntervalPauseAfterWrite behaves like ScanFixedInterval, but
	// any write restarts the loop with a longer initial pause, throttling
	// enumeration traffic to devices that are slow to service it.
	ScanFixedIntervalPauseAfterWrite
)

// Config carries the read-only manager configuration supplied at
// construction.
type Config struct {
	ScanMode     ScanMode
	ScanInterval time.Duration
	// PauseAfterWrite is the initial pause used by
	// ScanFixedIntervalPauseAfterWrite. Zero selects DefaultPauseAfterWrite.
	PauseAfterWrite time.Duration
}

const (
	DefaultScanInterval    = 500 * time.Millisecond
	DefaultPauseAfterWrite = 5 * time.Second
)

// WithDefaults fills unset intervals.
func (c Config) WithDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.PauseAfterWrite <= 0 {
		c.PauseAfterWrite = DefaultPauseAfterWrite
	}
	return c
}
