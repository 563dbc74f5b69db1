// Package testing provides shared test doubles for the platform backend
// contract.
package testing

import (
	"sync"
	"time"

	"github.com/Alia5/nativehid/hid"
)

// MockBackend is an in-memory platform backend. The advertised device list
// can be swapped between enumerations to drive attach/detach scenarios.
type MockBackend struct {
	mu       sync.Mutex
	devices  []hid.DeviceInfo
	enumErr  error
	enums    int
	enumHook func()
	opened   []*MockDevice
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	b.mu.Lock()
	b.enums++
	hook := b.enumHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enumErr != nil {
		return nil, b.enumErr
	}
	var out []hid.DeviceInfo
	for _, di := range b.devices {
		if vendorID != 0 && di.VendorID != vendorID {
			continue
		}
		if productID != 0 && di.ProductID != productID {
			continue
		}
		out = append(out, di)
	}
	return out, nil
}

func (b *MockBackend) Open(info hid.DeviceInfo) (hid.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := &MockDevice{info: info}
	b.opened = append(b.opened, d)
	return d, nil
}

// SetDevices replaces the advertised device list.
func (b *MockBackend) SetDevices(devices ...hid.DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

// SetEnumerateHook installs fn to run at the top of every Enumerate call,
// outside the backend lock, so tests can block or rendezvous in the middle
// of a scan.
func (b *MockBackend) SetEnumerateHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumHook = fn
}

// EnumerateCount reports how many times Enumerate ran.
func (b *MockBackend) EnumerateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enums
}

// SetEnumerateError makes every following enumeration fail with err.
func (b *MockBackend) SetEnumerateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumErr = err
}

// Opened returns every device handed out so far.
func (b *MockBackend) Opened() []*MockDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockDevice(nil), b.opened...)
}

// MockDevice records I/O calls and lets tests inject input reports.
type MockDevice struct {
	info hid.DeviceInfo

	mu        sync.Mutex
	writes    [][]byte
	closes    int
	listeners []hid.InputReportListener
	queued    [][]byte
}

func (d *MockDevice) Info() hid.DeviceInfo { return d.info }

func (d *MockDevice) Write(data []byte, reportID byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := append([]byte{reportID}, data...)
	d.writes = append(d.writes, buf)
	return len(data), nil
}

func (d *MockDevice) SendFeatureReport(data []byte, reportID byte) (int, error) {
	return len(data), nil
}

func (d *MockDevice) GetFeatureReport(buf []byte, reportID byte) (int, error) { return 0, nil }
func (d *MockDevice) GetInputReport(buf []byte, reportID byte) (int, error)   { return 0, nil }

func (d *MockDevice) ReadInputReport(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queued) == 0 {
		return 0, nil
	}
	report := d.queued[0]
	d.queued = d.queued[1:]
	return copy(buf, report), nil
}

func (d *MockDevice) GetReportDescriptor() ([]byte, error) { return nil, nil }

func (d *MockDevice) AddInputReportListener(fn hid.InputReportListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// PushReport queues a report for ReadInputReport and delivers it to every
// registered listener.
func (d *MockDevice) PushReport(report []byte) {
	d.mu.Lock()
	buf := append([]byte(nil), report...)
	d.queued = append(d.queued, buf)
	listeners := append([]hid.InputReportListener(nil), d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(buf)
	}
}

// Writes returns every write seen so far, report id prefixed.
func (d *MockDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.writes...)
}

// CloseCount reports how many times Close ran.
func (d *MockDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}
