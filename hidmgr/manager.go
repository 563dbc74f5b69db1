// Package hidmgr tracks HID device presence and hands out open device
// handles. A Manager owns one platform backend, a registry of known device
// paths and an optional background scan loop that diffs enumerations into
// attach and detach events.
package hidmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/internal/platform"
)

// AttachListener receives the advertisement of a device that appeared or
// disappeared between two enumerations.
type AttachListener func(hid.DeviceInfo)

type managerState int

const (
	stateStopped managerState = iota
	stateStarting
	stateScanning
)

// Manager is the device presence tracker. All methods are safe for
// concurrent use.
type Manager struct {
	cfg     hid.Config
	logger  *slog.Logger
	backend platform.Backend

	mu       sync.Mutex
	state    managerState
	known    map[string]hid.DeviceInfo
	open     map[*managedDevice]struct{}
	onAttach []AttachListener
	onDetach []AttachListener
	scanStop chan struct{}
	scanDone chan struct{}
}

// New probes the platform backend and returns a stopped manager.
func New(cfg hid.Config, logger *slog.Logger) (*Manager, error) {
	backend, err := platform.Probe(logger)
	if err != nil {
		return nil, err
	}
	return newManager(backend, cfg, logger), nil
}

func newManager(backend platform.Backend, cfg hid.Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.WithDefaults(),
		logger:  logger,
		backend: backend,
		known:   make(map[string]hid.DeviceInfo),
		open:    make(map[*managedDevice]struct{}),
	}
}

// OnAttach registers a listener for devices appearing in a later scan.
// Devices already present when Start runs produce no events.
func (m *Manager) OnAttach(fn AttachListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttach = append(m.onAttach, fn)
}

// OnDetach registers a listener for devices disappearing from a later scan.
func (m *Manager) OnDetach(fn AttachListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDetach = append(m.onDetach, fn)
}

// Start performs one synchronous enumeration to seed the registry, firing no
// events, then launches the scan loop the configured ScanMode asks for.
// A failed initial enumeration leaves the manager fully stopped.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != stateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStarting
	m.mu.Unlock()

	infos, err := m.backend.Enumerate(0, 0)
	if err != nil {
		m.mu.Lock()
		if m.state == stateStarting {
			m.state = stateStopped
		}
		m.mu.Unlock()
		return fmt.Errorf("initial enumeration: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateStarting {
		// Stop raced the initial enumeration; stay stopped.
		return nil
	}
	m.known = make(map[string]hid.DeviceInfo, len(infos))
	for _, di := range infos {
		m.known[di.Path] = di
	}
	m.state = stateScanning
	m.logger.Debug("manager started", "devices", len(infos), "scanMode", int(m.cfg.ScanMode))

	switch m.cfg.ScanMode {
	case hid.ScanFixedInterval:
		m.startScanLocked(m.cfg.ScanInterval)
	case hid.ScanFixedIntervalPauseAfterWrite:
		m.startScanLocked(m.cfg.PauseAfterWrite)
	}
	return nil
}

// startScanLocked launches a fresh scan goroutine. The previous one, if any,
// must already be stopped. Caller holds m.mu.
func (m *Manager) startScanLocked(initial time.Duration) {
	if m.scanStop != nil {
		// A loop is already running; never orphan it.
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.scanStop, m.scanDone = stop, done
	go m.scanLoop(stop, done, initial)
}

// scanLoop waits, re-enumerates, diffs and repeats until stopped. The wait
// uses a timer selected against the stop channel so cancellation never has
// to ride out a sleep. Enumeration failures are logged and the loop carries
// on at the next interval.
func (m *Manager) scanLoop(stop, done chan struct{}, initial time.Duration) {
	defer close(done)
	wait := initial
	for {
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := m.scanOnce(); err != nil {
			m.logger.Warn("device scan failed", "error", err)
		}
		wait = m.cfg.ScanInterval
	}
}

// Scan performs one enumeration and diff right now, regardless of ScanMode.
func (m *Manager) Scan() error {
	return m.scanOnce()
}

// scanOnce diffs a fresh enumeration against the registry. Identity is the
// platform path string. Listeners run outside the manager lock.
func (m *Manager) scanOnce() error {
	infos, err := m.backend.Enumerate(0, 0)
	if err != nil {
		return err
	}

	m.mu.Lock()
	current := make(map[string]hid.DeviceInfo, len(infos))
	var attached, detached []hid.DeviceInfo
	for _, di := range infos {
		current[di.Path] = di
		if _, ok := m.known[di.Path]; !ok {
			attached = append(attached, di)
		}
	}
	for path, di := range m.known {
		if _, ok := current[path]; !ok {
			detached = append(detached, di)
		}
	}
	m.known = current
	onAttach := append([]AttachListener(nil), m.onAttach...)
	onDetach := append([]AttachListener(nil), m.onDetach...)
	m.mu.Unlock()

	for _, di := range detached {
		m.logger.Debug("device detached", "path", di.Path)
		for _, fn := range onDetach {
			fn(di)
		}
	}
	for _, di := range attached {
		m.logger.Debug("device attached", "path", di.Path)
		for _, fn := range onAttach {
			fn(di)
		}
	}
	return nil
}

// noteWrite restarts the scan loop with a fresh pause so enumeration traffic
// stays off the bus right after a write. Only relevant in
// ScanFixedIntervalPauseAfterWrite mode.
func (m *Manager) noteWrite() {
	m.mu.Lock()
	if m.cfg.ScanMode != hid.ScanFixedIntervalPauseAfterWrite || m.state != stateScanning {
		m.mu.Unlock()
		return
	}
	stop, done := m.scanStop, m.scanDone
	m.scanStop, m.scanDone = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateScanning && m.scanStop == nil {
		m.startScanLocked(m.cfg.PauseAfterWrite)
	}
}

// Stop cancels the scan loop and blocks until it has exited. Open device
// handles stay open. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.scanStop, m.scanDone
	m.scanStop, m.scanDone = nil, nil
	m.state = stateStopped
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Shutdown is the teardown barrier: it stops the scan loop, force-closes
// every device handle opened through this manager and clears the registry.
// It returns the first close error, after attempting all closes.
func (m *Manager) Shutdown() error {
	m.Stop()

	m.mu.Lock()
	devices := make([]*managedDevice, 0, len(m.open))
	for d := range m.open {
		devices = append(devices, d)
	}
	m.open = make(map[*managedDevice]struct{})
	m.known = make(map[string]hid.DeviceInfo)
	m.mu.Unlock()

	var firstErr error
	for _, d := range devices {
		if err := d.Device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Enumerate lists HID interfaces matching the filter; zero wildcards a
// field. No match is reported as NotFound.
func (m *Manager) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	infos, err := m.backend.Enumerate(vendorID, productID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no device matches %04x:%04x", hid.ErrNotFound, vendorID, productID)
	}
	return infos, nil
}

// Open opens the device behind info and tracks the handle for Shutdown.
// Closing the returned device releases it from tracking.
func (m *Manager) Open(info hid.DeviceInfo) (hid.Device, error) {
	dev, err := m.backend.Open(info)
	if err != nil {
		return nil, err
	}
	md := &managedDevice{Device: dev, mgr: m}
	m.mu.Lock()
	m.open[md] = struct{}{}
	m.mu.Unlock()
	return md, nil
}

func (m *Manager) untrack(d *managedDevice) {
	m.mu.Lock()
	delete(m.open, d)
	m.mu.Unlock()
}

// managedDevice wires write notifications and close bookkeeping into the
// manager while delegating all I/O to the platform device.
type managedDevice struct {
	hid.Device
	mgr *Manager
}

func (d *managedDevice) Write(data []byte, reportID byte) (int, error) {
	n, err := d.Device.Write(data, reportID)
	if err == nil {
		d.mgr.noteWrite()
	}
	return n, err
}

func (d *managedDevice) SendFeatureReport(data []byte, reportID byte) (int, error) {
	n, err := d.Device.SendFeatureReport(data, reportID)
	if err == nil {
		d.mgr.noteWrite()
	}
	return n, err
}

func (d *managedDevice) Close() error {
	d.mgr.untrack(d)
	return d.Device.Close()
}
