//go:build darwin

package platform

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/Alia5/nativehid/hid"
)

// IOKit and CoreFoundation are reached through dlopen, keeping the build
// cgo-free.
var (
	cfRelease                 func(ref uintptr)
	cfGetTypeID               func(ref uintptr) uintptr
	cfStringGetTypeID         func() uintptr
	cfNumberGetTypeID         func() uintptr
	cfDataGetTypeID           func() uintptr
	cfStringCreateWithCString func(alloc uintptr, cstr *byte, encoding uint32) uintptr
	cfStringGetCString        func(ref uintptr, buf *byte, size int, encoding uint32) bool
	cfNumberGetValue          func(ref uintptr, numberType int, out unsafe.Pointer) bool
	cfDataGetLength           func(ref uintptr) int
	cfDataGetBytePtr          func(ref uintptr) *byte
	cfSetGetCount             func(ref uintptr) int
	cfSetGetValues            func(ref uintptr, values *uintptr)
	cfRunLoopGetCurrent       func() uintptr
	cfRunLoopRunInMode        func(mode uintptr, seconds float64, returnAfterSourceHandled bool) int32
	cfRunLoopStop             func(rl uintptr)

	ioHIDManagerCreate            func(alloc uintptr, options uint32) uintptr
	ioHIDManagerSetDeviceMatching func(mgr, dict uintptr)
	ioHIDManagerCopyDevices       func(mgr uintptr) uintptr
	ioHIDDeviceGetProperty        func(dev, key uintptr) uintptr
	ioHIDDeviceGetService         func(dev uintptr) uint32
	ioHIDDeviceCreate             func(alloc uintptr, service uint32) uintptr
	ioHIDDeviceOpen               func(dev uintptr, options uint32) int32
	ioHIDDeviceClose              func(dev uintptr, options uint32) int32
	ioHIDDeviceSetReport          func(dev uintptr, typ int, reportID int, report *byte, length int) int32
	ioHIDDeviceGetReport          func(dev uintptr, typ int, reportID int, report *byte, length *int) int32
	ioHIDDeviceRegisterInputCB    func(dev uintptr, report *byte, length int, callback uintptr, context uintptr)
	ioHIDDeviceRegisterRemovalCB  func(dev uintptr, callback uintptr, context uintptr)
	ioHIDDeviceScheduleRunLoop    func(dev, runLoop, mode uintptr)
	ioHIDDeviceUnscheduleRunLoop  func(dev, runLoop, mode uintptr)
	ioRegistryEntryGetID          func(entry uint32, id *uint64) int32
	ioRegistryEntryIDMatching     func(id uint64) uintptr
	ioServiceGetMatchingService   func(port uint32, matching uintptr) uint32
	ioObjectRelease               func(obj uint32) int32

	runLoopDefaultMode uintptr
	iokitLoadErr       error
	iokitOnce          sync.Once
)

const (
	cfStringEncodingUTF8 = 0x08000100
	cfNumberSInt32Type   = 3
	cfNumberSInt64Type   = 4

	kIOHIDOptionsTypeNone = 0

	hidReportTypeInput   = 0
	hidReportTypeOutput  = 1
	hidReportTypeFeature = 2

	kIOReturnSuccess     = 0
	kIOReturnNotAttached = -536870207 // 0xe00002c1
)

func loadIOKit() error {
	iokitOnce.Do(func() {
		cf, err := purego.Dlopen("/System/Library/Frameworks/CoreFoundation.framework/CoreFoundation",
			purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			iokitLoadErr = fmt.Errorf("%w: %v", hid.ErrUnsupported, err)
			return
		}
		iokit, err := purego.Dlopen("/System/Library/Frameworks/IOKit.framework/IOKit",
			purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			iokitLoadErr = fmt.Errorf("%w: %v", hid.ErrUnsupported, err)
			return
		}

		purego.RegisterLibFunc(&cfRelease, cf, "CFRelease")
		purego.RegisterLibFunc(&cfGetTypeID, cf, "CFGetTypeID")
		purego.RegisterLibFunc(&cfStringGetTypeID, cf, "CFStringGetTypeID")
		purego.RegisterLibFunc(&cfNumberGetTypeID, cf, "CFNumberGetTypeID")
		purego.RegisterLibFunc(&cfDataGetTypeID, cf, "CFDataGetTypeID")
		purego.RegisterLibFunc(&cfStringCreateWithCString, cf, "CFStringCreateWithCString")
		purego.RegisterLibFunc(&cfStringGetCString, cf, "CFStringGetCString")
		purego.RegisterLibFunc(&cfNumberGetValue, cf, "CFNumberGetValue")
		purego.RegisterLibFunc(&cfDataGetLength, cf, "CFDataGetLength")
		purego.RegisterLibFunc(&cfDataGetBytePtr, cf, "CFDataGetBytePtr")
		purego.RegisterLibFunc(&cfSetGetCount, cf, "CFSetGetCount")
		purego.RegisterLibFunc(&cfSetGetValues, cf, "CFSetGetValues")
		purego.RegisterLibFunc(&cfRunLoopGetCurrent, cf, "CFRunLoopGetCurrent")
		purego.RegisterLibFunc(&cfRunLoopRunInMode, cf, "CFRunLoopRunInMode")
		purego.RegisterLibFunc(&cfRunLoopStop, cf, "CFRunLoopStop")

		purego.RegisterLibFunc(&ioHIDManagerCreate, iokit, "IOHIDManagerCreate")
		purego.RegisterLibFunc(&ioHIDManagerSetDeviceMatching, iokit, "IOHIDManagerSetDeviceMatching")
		purego.RegisterLibFunc(&ioHIDManagerCopyDevices, iokit, "IOHIDManagerCopyDevices")
		purego.RegisterLibFunc(&ioHIDDeviceGetProperty, iokit, "IOHIDDeviceGetProperty")
		purego.RegisterLibFunc(&ioHIDDeviceGetService, iokit, "IOHIDDeviceGetService")
		purego.RegisterLibFunc(&ioHIDDeviceCreate, iokit, "IOHIDDeviceCreate")
		purego.RegisterLibFunc(&ioHIDDeviceOpen, iokit, "IOHIDDeviceOpen")
		purego.RegisterLibFunc(&ioHIDDeviceClose, iokit, "IOHIDDeviceClose")
		purego.RegisterLibFunc(&ioHIDDeviceSetReport, iokit, "IOHIDDeviceSetReport")
		purego.RegisterLibFunc(&ioHIDDeviceGetReport, iokit, "IOHIDDeviceGetReport")
		purego.RegisterLibFunc(&ioHIDDeviceRegisterInputCB, iokit, "IOHIDDeviceRegisterInputReportCallback")
		purego.RegisterLibFunc(&ioHIDDeviceRegisterRemovalCB, iokit, "IOHIDDeviceRegisterRemovalCallback")
		purego.RegisterLibFunc(&ioHIDDeviceScheduleRunLoop, iokit, "IOHIDDeviceScheduleWithRunLoop")
		purego.RegisterLibFunc(&ioHIDDeviceUnscheduleRunLoop, iokit, "IOHIDDeviceUnscheduleFromRunLoop")
		purego.RegisterLibFunc(&ioRegistryEntryGetID, iokit, "IORegistryEntryGetRegistryEntryID")
		purego.RegisterLibFunc(&ioRegistryEntryIDMatching, iokit, "IORegistryEntryIDMatching")
		purego.RegisterLibFunc(&ioServiceGetMatchingService, iokit, "IOServiceGetMatchingService")
		purego.RegisterLibFunc(&ioObjectRelease, iokit, "IOObjectRelease")

		mode, err := purego.Dlsym(cf, "kCFRunLoopDefaultMode")
		if err != nil {
			iokitLoadErr = fmt.Errorf("%w: %v", hid.ErrUnsupported, err)
			return
		}
		runLoopDefaultMode = *(*uintptr)(unsafe.Pointer(mode))
	})
	return iokitLoadErr
}

func cfString(s string) uintptr {
	b := append([]byte(s), 0)
	return cfStringCreateWithCString(0, &b[0], cfStringEncodingUTF8)
}

func stringProp(dev uintptr, key string) string {
	k := cfString(key)
	defer cfRelease(k)
	ref := ioHIDDeviceGetProperty(dev, k)
	if ref == 0 || cfGetTypeID(ref) != cfStringGetTypeID() {
		return ""
	}
	var buf [256]byte
	if !cfStringGetCString(ref, &buf[0], len(buf), cfStringEncodingUTF8) {
		return ""
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}
	return ""
}

func intProp(dev uintptr, key string) (int32, bool) {
	k := cfString(key)
	defer cfRelease(k)
	ref := ioHIDDeviceGetProperty(dev, k)
	if ref == 0 || cfGetTypeID(ref) != cfNumberGetTypeID() {
		return 0, false
	}
	var v int32
	if !cfNumberGetValue(ref, cfNumberSInt32Type, unsafe.Pointer(&v)) {
		return 0, false
	}
	return v, true
}

type iokitBackend struct {
	logger *slog.Logger
}

func newBackend(logger *slog.Logger) (Backend, error) {
	if err := loadIOKit(); err != nil {
		return nil, err
	}
	return &iokitBackend{logger: logger}, nil
}

func (b *iokitBackend) Name() string { return "iokit" }

func (b *iokitBackend) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	mgr := ioHIDManagerCreate(0, kIOHIDOptionsTypeNone)
	if mgr == 0 {
		return nil, hid.NewIOError("IOHIDManagerCreate", 0, nil)
	}
	defer cfRelease(mgr)
	ioHIDManagerSetDeviceMatching(mgr, 0) // match everything

	devSet := ioHIDManagerCopyDevices(mgr)
	if devSet == 0 {
		return nil, nil
	}
	defer cfRelease(devSet)

	count := cfSetGetCount(devSet)
	if count == 0 {
		return nil, nil
	}
	devs := make([]uintptr, count)
	cfSetGetValues(devSet, &devs[0])

	var infos []hid.DeviceInfo
	for _, dev := range devs {
		di, ok := b.describe(dev)
		if !ok {
			continue
		}
		if vendorID != 0 && di.VendorID != vendorID {
			continue
		}
		if productID != 0 && di.ProductID != productID {
			continue
		}
		infos = append(infos, di)
	}
	return infos, nil
}

// describe builds the advertisement for one IOHIDDevice. The path is the
// registry entry id, which stays valid for reopening until detach.
func (b *iokitBackend) describe(dev uintptr) (hid.DeviceInfo, bool) {
	service := ioHIDDeviceGetService(dev)
	if service == 0 {
		return hid.DeviceInfo{}, false
	}
	var entryID uint64
	if ioRegistryEntryGetID(service, &entryID) != kIOReturnSuccess {
		return hid.DeviceInfo{}, false
	}

	di := hid.DeviceInfo{
		Path:            fmt.Sprintf("DevSrvsID:%d", entryID),
		Manufacturer:    stringProp(dev, "Manufacturer"),
		Product:         stringProp(dev, "Product"),
		SerialNumber:    stringProp(dev, "SerialNumber"),
		InterfaceNumber: -1,
	}
	if v, ok := intProp(dev, "VendorID"); ok {
		di.VendorID = uint16(v)
	}
	if v, ok := intProp(dev, "ProductID"); ok {
		di.ProductID = uint16(v)
	}
	if v, ok := intProp(dev, "VersionNumber"); ok {
		di.ReleaseNumber = uint16(v)
	}
	if v, ok := intProp(dev, "PrimaryUsagePage"); ok {
		di.UsagePage = uint16(v)
	}
	if v, ok := intProp(dev, "PrimaryUsage"); ok {
		di.Usage = uint16(v)
	}
	switch stringProp(dev, "Transport") {
	case "USB":
		di.Bus = hid.BusUSB
	case "Bluetooth", "BluetoothLowEnergy":
		di.Bus = hid.BusBluetooth
	case "I2C":
		di.Bus = hid.BusI2C
	case "SPI":
		di.Bus = hid.BusSPI
	}
	return di, true
}

func (b *iokitBackend) Open(info hid.DeviceInfo) (hid.Device, error) {
	var entryID uint64
	if _, err := fmt.Sscanf(info.Path, "DevSrvsID:%d", &entryID); err != nil {
		return nil, fmt.Errorf("%w: bad device path %q", hid.ErrNotFound, info.Path)
	}
	service := ioServiceGetMatchingService(0, ioRegistryEntryIDMatching(entryID))
	if service == 0 {
		return nil, fmt.Errorf("%w: %s", hid.ErrNotFound, info.Path)
	}
	dev := ioHIDDeviceCreate(0, service)
	ioObjectRelease(service)
	if dev == 0 {
		return nil, fmt.Errorf("%w: %s", hid.ErrNotFound, info.Path)
	}
	if ret := ioHIDDeviceOpen(dev, kIOHIDOptionsTypeNone); ret != kIOReturnSuccess {
		cfRelease(dev)
		return nil, hid.NewIOError("IOHIDDeviceOpen", int64(ret), nil)
	}

	maxInput := int32(64)
	if v, ok := intProp(dev, "MaxInputReportSize"); ok && v > 0 {
		maxInput = v
	}
	d := &iokitDevice{
		info:     info,
		dev:      dev,
		inputBuf: make([]byte, maxInput),
		reports:  make(chan []byte, 32),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   b.logger.With("path", info.Path),
	}
	d.ctx = deviceArena.Put(d)
	go d.runLoopThread()
	<-d.started
	return d, nil
}

// deviceArena maps native callback contexts to devices without passing Go
// pointers across the foreign call boundary.
var deviceArena Arena

var (
	inputCallback   uintptr
	removalCallback uintptr
	callbackOnce    sync.Once
)

func ensureCallbacks() {
	callbackOnce.Do(func() {
		inputCallback = purego.NewCallback(func(context, result, sender uintptr, reportType uint32, reportID uint32, report *byte, reportLength int) uintptr {
			v := deviceArena.Get(int(context))
			if v == nil {
				return 0
			}
			d := v.(*iokitDevice)
			if reportLength > 0 {
				d.deliver(unsafe.Slice(report, reportLength))
			}
			return 0
		})
		removalCallback = purego.NewCallback(func(context, result, sender uintptr) uintptr {
			v := deviceArena.Get(int(context))
			if v != nil {
				v.(*iokitDevice).markDisconnected()
			}
			return 0
		})
	})
}

// iokitDevice pins a dedicated OS thread for the device run loop; all report
// callbacks fire on that thread.
type iokitDevice struct {
	info   hid.DeviceInfo
	logger *slog.Logger

	ctx      int
	inputBuf []byte
	reports  chan []byte
	started  chan struct{}
	stopped  chan struct{}

	mu           sync.Mutex
	dev          uintptr
	runLoop      uintptr
	closed       bool
	disconnected bool
	listeners    listenerSet
}

func (d *iokitDevice) runLoopThread() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ensureCallbacks()
	d.mu.Lock()
	d.runLoop = cfRunLoopGetCurrent()
	dev := d.dev
	d.mu.Unlock()

	ioHIDDeviceRegisterInputCB(dev, &d.inputBuf[0], len(d.inputBuf), inputCallback, uintptr(d.ctx))
	ioHIDDeviceRegisterRemovalCB(dev, removalCallback, uintptr(d.ctx))
	ioHIDDeviceScheduleRunLoop(dev, cfRunLoopGetCurrent(), runLoopDefaultMode)

	close(d.started)
	d.runSlices()

	ioHIDDeviceUnscheduleRunLoop(dev, cfRunLoopGetCurrent(), runLoopDefaultMode)
	close(d.stopped)
}

// runSlices runs the loop in bounded slices and rechecks the close flag
// between them. A CFRunLoopStop issued before the loop is entered wakes
// nothing; the flag check keeps Close from waiting on a loop that never
// stops.
func (d *iokitDevice) runSlices() {
	for !d.closing() {
		cfRunLoopRunInMode(runLoopDefaultMode, 0.1, false)
	}
}

func (d *iokitDevice) closing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *iokitDevice) deliver(report []byte) {
	buf := make([]byte, len(report))
	copy(buf, report)
	d.listeners.dispatch(buf)
	select {
	case d.reports <- buf:
	default:
		// reader is behind, drop the oldest
		select {
		case <-d.reports:
		default:
		}
		select {
		case d.reports <- buf:
		default:
		}
	}
}

func (d *iokitDevice) markDisconnected() {
	d.mu.Lock()
	d.disconnected = true
	d.mu.Unlock()
}

func (d *iokitDevice) Info() hid.DeviceInfo { return d.info }

func (d *iokitDevice) get() (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, hid.ErrClosed
	}
	if d.disconnected {
		return 0, hid.ErrDisconnected
	}
	return d.dev, nil
}

func (d *iokitDevice) Write(data []byte, reportID byte) (int, error) {
	dev, err := d.get()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	ret := ioHIDDeviceSetReport(dev, hidReportTypeOutput, int(reportID), &data[0], len(data))
	if ret != kIOReturnSuccess {
		return 0, mapIOReturn("IOHIDDeviceSetReport", ret)
	}
	return len(data), nil
}

func (d *iokitDevice) SendFeatureReport(data []byte, reportID byte) (int, error) {
	dev, err := d.get()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	ret := ioHIDDeviceSetReport(dev, hidReportTypeFeature, int(reportID), &data[0], len(data))
	if ret != kIOReturnSuccess {
		return 0, mapIOReturn("IOHIDDeviceSetReport", ret)
	}
	return len(data), nil
}

func (d *iokitDevice) GetFeatureReport(buf []byte, reportID byte) (int, error) {
	return d.getReport(hidReportTypeFeature, buf, reportID)
}

func (d *iokitDevice) GetInputReport(buf []byte, reportID byte) (int, error) {
	return d.getReport(hidReportTypeInput, buf, reportID)
}

func (d *iokitDevice) getReport(typ int, buf []byte, reportID byte) (int, error) {
	dev, err := d.get()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n := len(buf)
	ret := ioHIDDeviceGetReport(dev, typ, int(reportID), &buf[0], &n)
	if ret != kIOReturnSuccess {
		return 0, mapIOReturn("IOHIDDeviceGetReport", ret)
	}
	return n, nil
}

// ReadInputReport waits on the run-loop fed queue. A negative timeout blocks
// until a report or close.
func (d *iokitDevice) ReadInputReport(buf []byte, timeout time.Duration) (int, error) {
	if _, err := d.get(); err != nil {
		return 0, err
	}
	if timeout < 0 {
		select {
		case report := <-d.reports:
			return copy(buf, report), nil
		case <-d.stopped:
			return 0, hid.ErrClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case report := <-d.reports:
		return copy(buf, report), nil
	case <-d.stopped:
		return 0, hid.ErrClosed
	case <-t.C:
		return 0, nil
	}
}

func (d *iokitDevice) GetReportDescriptor() ([]byte, error) {
	dev, err := d.get()
	if err != nil {
		return nil, err
	}
	k := cfString("ReportDescriptor")
	defer cfRelease(k)
	ref := ioHIDDeviceGetProperty(dev, k)
	if ref == 0 || cfGetTypeID(ref) != cfDataGetTypeID() {
		return nil, fmt.Errorf("%w: no report descriptor property", hid.ErrUnsupported)
	}
	n := cfDataGetLength(ref)
	if n <= 0 {
		return nil, fmt.Errorf("%w: empty report descriptor", hid.ErrUnsupported)
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice(cfDataGetBytePtr(ref), n))
	return out, nil
}

func (d *iokitDevice) AddInputReportListener(fn hid.InputReportListener) {
	d.listeners.add(fn)
}

// Close stops report delivery before releasing the native handle: listeners
// are unhooked, the run loop is stopped and joined, then the device closes.
// Closing twice is a no-op.
func (d *iokitDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	dev, runLoop := d.dev, d.runLoop
	d.mu.Unlock()

	d.listeners.clear()
	cfRunLoopStop(runLoop)
	<-d.stopped
	deviceArena.Remove(d.ctx)

	ret := ioHIDDeviceClose(dev, kIOHIDOptionsTypeNone)
	cfRelease(dev)
	if ret != kIOReturnSuccess && ret != kIOReturnNotAttached {
		return mapIOReturn("IOHIDDeviceClose", ret)
	}
	return nil
}

func mapIOReturn(op string, ret int32) error {
	if ret == kIOReturnNotAttached {
		return fmt.Errorf("%w: %s", hid.ErrDisconnected, op)
	}
	return hid.NewIOError(op, int64(ret), nil)
}
