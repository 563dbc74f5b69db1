//go:build windows

package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/hiddesc"
)

// Direct syscalls into hid.dll, setupapi.dll and cfgmgr32.dll; no import
// library, no cgo.
var (
	modHid      = windows.NewLazySystemDLL("hid.dll")
	modSetupapi = windows.NewLazySystemDLL("setupapi.dll")
	modCfgmgr32 = windows.NewLazySystemDLL("cfgmgr32.dll")

	procHidDGetHidGuid            = modHid.NewProc("HidD_GetHidGuid")
	procHidDGetAttributes         = modHid.NewProc("HidD_GetAttributes")
	procHidDGetManufacturerString = modHid.NewProc("HidD_GetManufacturerString")
	procHidDGetProductString      = modHid.NewProc("HidD_GetProductString")
	procHidDGetSerialNumberString = modHid.NewProc("HidD_GetSerialNumberString")
	procHidDGetPreparsedData      = modHid.NewProc("HidD_GetPreparsedData")
	procHidDFreePreparsedData     = modHid.NewProc("HidD_FreePreparsedData")
	procHidDSetFeature            = modHid.NewProc("HidD_SetFeature")
	procHidDGetFeature            = modHid.NewProc("HidD_GetFeature")
	procHidDGetInputReport        = modHid.NewProc("HidD_GetInputReport")
	procHidPGetCaps               = modHid.NewProc("HidP_GetCaps")
	procSetupDiGetClassDevs       = modSetupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDevIfaces      = modSetupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDevIfaceDetail  = modSetupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDevInfoList = modSetupapi.NewProc("SetupDiDestroyDeviceInfoList")
	procCMGetParent               = modCfgmgr32.NewProc("CM_Get_Parent")
	procCMGetDeviceID             = modCfgmgr32.NewProc("CM_Get_Device_IDW")
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010

	hidpStatusSuccess = 0x00110000
)

type hiddAttributes struct {
	Size          uint32
	VendorID      uint16
	ProductID     uint16
	VersionNumber uint16
}

type spDeviceInterfaceData struct {
	CbSize             uint32
	InterfaceClassGUID windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type spDevinfoData struct {
	CbSize    uint32
	ClassGUID windows.GUID
	DevInst   uint32
	Reserved  uintptr
}

type hidpCaps struct {
	Usage                     uint16
	UsagePage                 uint16
	InputReportByteLength     uint16
	OutputReportByteLength    uint16
	FeatureReportByteLength   uint16
	Reserved                  [17]uint16
	NumberLinkCollectionNodes uint16
	NumberInputButtonCaps     uint16
	NumberInputValueCaps      uint16
	NumberInputDataIndices    uint16
	NumberOutputButtonCaps    uint16
	NumberOutputValueCaps     uint16
	NumberOutputDataIndices   uint16
	NumberFeatureButtonCaps   uint16
	NumberFeatureValueCaps    uint16
	NumberFeatureDataIndices  uint16
}

type win32Backend struct {
	logger *slog.Logger
}

func newBackend(logger *slog.Logger) (Backend, error) {
	if err := modHid.Load(); err != nil {
		return nil, fmt.Errorf("%w: hid.dll unavailable: %v", hid.ErrUnsupported, err)
	}
	return &win32Backend{logger: logger}, nil
}

func (b *win32Backend) Name() string { return "win32" }

func (b *win32Backend) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	var guid windows.GUID
	procHidDGetHidGuid.Call(uintptr(unsafe.Pointer(&guid)))

	devInfoSet, _, callErr := procSetupDiGetClassDevs.Call(
		uintptr(unsafe.Pointer(&guid)), 0, 0, digcfPresent|digcfDeviceInterface)
	if devInfoSet == uintptr(windows.InvalidHandle) {
		return nil, hid.NewIOError("SetupDiGetClassDevs", int64(errnoVal(callErr)), callErr)
	}
	defer procSetupDiDestroyDevInfoList.Call(devInfoSet)

	var infos []hid.DeviceInfo
	for idx := uintptr(0); ; idx++ {
		ifaceData := spDeviceInterfaceData{}
		ifaceData.CbSize = uint32(unsafe.Sizeof(ifaceData))
		ok, _, _ := procSetupDiEnumDevIfaces.Call(devInfoSet, 0,
			uintptr(unsafe.Pointer(&guid)), idx, uintptr(unsafe.Pointer(&ifaceData)))
		if ok == 0 {
			break
		}
		path, devinfo, err := interfaceDetail(devInfoSet, &ifaceData)
		if err != nil {
			b.logger.Debug("interface detail failed", "index", idx, "error", err)
			continue
		}
		di, ok2 := b.describe(path, devinfo)
		if !ok2 {
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

// interfaceDetail resolves the interface path and the owning device node.
func interfaceDetail(devInfoSet uintptr, ifaceData *spDeviceInterfaceData) (string, *spDevinfoData, error) {
	var required uint32
	procSetupDiGetDevIfaceDetail.Call(devInfoSet, uintptr(unsafe.Pointer(ifaceData)),
		0, 0, uintptr(unsafe.Pointer(&required)), 0)
	if required == 0 {
		return "", nil, errors.New("empty interface detail")
	}
	buf := make([]byte, required)
	// SP_DEVICE_INTERFACE_DETAIL_DATA_W starts with cbSize, which covers the
	// fixed part only: 6 bytes packed on 386, 8 bytes aligned on amd64/arm64.
	cbSize := uint32(6)
	if unsafe.Sizeof(uintptr(0)) == 8 {
		cbSize = 8
	}
	*(*uint32)(unsafe.Pointer(&buf[0])) = cbSize
	devinfo := &spDevinfoData{}
	devinfo.CbSize = uint32(unsafe.Sizeof(*devinfo))
	ok, _, callErr := procSetupDiGetDevIfaceDetail.Call(devInfoSet, uintptr(unsafe.Pointer(ifaceData)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(required), 0, uintptr(unsafe.Pointer(devinfo)))
	if ok == 0 {
		return "", nil, callErr
	}
	pathUTF16 := (*uint16)(unsafe.Pointer(&buf[4]))
	return windows.UTF16PtrToString(pathUTF16), devinfo, nil
}

// describe opens the interface without access rights to query identity.
func (b *win32Backend) describe(path string, devinfo *spDevinfoData) (hid.DeviceInfo, bool) {
	handle, err := openPath(path, 0)
	if err != nil {
		b.logger.Debug("query open failed", "path", path, "error", err)
		return hid.DeviceInfo{}, false
	}
	defer windows.CloseHandle(handle)

	di := hid.DeviceInfo{
		Path:            path,
		InterfaceNumber: interfaceNumberFromPath(path),
	}

	attrs := hiddAttributes{Size: uint32(unsafe.Sizeof(hiddAttributes{}))}
	if ok, _, _ := procHidDGetAttributes.Call(uintptr(handle), uintptr(unsafe.Pointer(&attrs))); ok != 0 {
		di.VendorID = attrs.VendorID
		di.ProductID = attrs.ProductID
		di.ReleaseNumber = attrs.VersionNumber
	}
	di.Manufacturer = hidString(handle, procHidDGetManufacturerString)
	di.Product = hidString(handle, procHidDGetProductString)
	di.SerialNumber = hidString(handle, procHidDGetSerialNumberString)

	if caps, err := deviceCaps(handle); err == nil {
		di.UsagePage = caps.UsagePage
		di.Usage = caps.Usage
	}
	di.Bus = busTypeOf(path, devinfo)
	return di, true
}

func hidString(handle windows.Handle, proc *windows.LazyProc) string {
	var buf [256]uint16
	ok, _, _ := proc.Call(uintptr(handle), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)*2))
	if ok == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:])
}

func deviceCaps(handle windows.Handle) (*hidpCaps, error) {
	var preparsed uintptr
	ok, _, callErr := procHidDGetPreparsedData.Call(uintptr(handle), uintptr(unsafe.Pointer(&preparsed)))
	if ok == 0 {
		return nil, hid.NewIOError("HidD_GetPreparsedData", int64(errnoVal(callErr)), callErr)
	}
	defer procHidDFreePreparsedData.Call(preparsed)
	var caps hidpCaps
	status, _, _ := procHidPGetCaps.Call(preparsed, uintptr(unsafe.Pointer(&caps)))
	if uint32(status) != hidpStatusSuccess {
		return nil, hid.NewIOError("HidP_GetCaps", int64(uint32(status)), nil)
	}
	return &caps, nil
}

// busTypeOf resolves the transport by inspecting the device instance id and,
// when that is inconclusive, walking the parent chain of device nodes.
func busTypeOf(path string, devinfo *spDevinfoData) hid.BusType {
	if bt := busTypeFromID(path); bt != hid.BusUnknown {
		return bt
	}
	if devinfo == nil {
		return hid.BusUnknown
	}
	devInst := devinfo.DevInst
	for depth := 0; depth < 6; depth++ {
		var parent uint32
		if ret, _, _ := procCMGetParent.Call(uintptr(unsafe.Pointer(&parent)), uintptr(devInst), 0); ret != 0 {
			break
		}
		var idBuf [512]uint16
		if ret, _, _ := procCMGetDeviceID.Call(uintptr(parent), uintptr(unsafe.Pointer(&idBuf[0])), uintptr(len(idBuf)), 0); ret != 0 {
			break
		}
		if bt := busTypeFromID(windows.UTF16ToString(idBuf[:])); bt != hid.BusUnknown {
			return bt
		}
		devInst = parent
	}
	return hid.BusUnknown
}

func busTypeFromID(id string) hid.BusType {
	id = strings.ToUpper(id)
	switch {
	case strings.Contains(id, "USB"):
		return hid.BusUSB
	case strings.Contains(id, "BTHENUM"), strings.Contains(id, "BTHLEDEVICE"):
		return hid.BusBluetooth
	case strings.Contains(id, "I2C"):
		return hid.BusI2C
	case strings.Contains(id, "SPI"):
		return hid.BusSPI
	}
	return hid.BusUnknown
}

// interfaceNumberFromPath extracts the USB interface number from the "&mi_xx"
// component, -1 if absent.
func interfaceNumberFromPath(path string) int {
	lower := strings.ToLower(path)
	i := strings.Index(lower, "&mi_")
	if i < 0 || i+6 > len(lower) {
		return -1
	}
	var n int
	if _, err := fmt.Sscanf(lower[i+4:i+6], "%02x", &n); err != nil {
		return -1
	}
	return n
}

func openPath(path string, access uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p, access,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
}

func (b *win32Backend) Open(info hid.DeviceInfo) (hid.Device, error) {
	handle, err := openPath(info.Path, windows.GENERIC_READ|windows.GENERIC_WRITE)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%w: %s", hid.ErrNotFound, info.Path)
		}
		return nil, hid.NewIOError("CreateFile", int64(errnoVal(err)), err)
	}
	caps, err := deviceCaps(handle)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, err
	}
	readEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, hid.NewIOError("CreateEvent", int64(errnoVal(err)), err)
	}
	return &win32Device{
		info:       info,
		handle:     handle,
		readEvent:  readEvent,
		inputLen:   int(caps.InputReportByteLength),
		outputLen:  int(caps.OutputReportByteLength),
		featureLen: int(caps.FeatureReportByteLength),
		readBuf:    make([]byte, caps.InputReportByteLength),
		logger:     b.logger.With("path", info.Path),
	}, nil
}

// win32Device performs report I/O through overlapped file operations with
// bounded waits.
type win32Device struct {
	info   hid.DeviceInfo
	logger *slog.Logger

	inputLen   int
	outputLen  int
	featureLen int

	mu        sync.Mutex
	handle    windows.Handle
	readEvent windows.Handle
	closed    bool
	listeners listenerSet
	stop      chan struct{}
	done      chan struct{}

	// readMu serializes input reads; readBuf stays valid for the kernel
	// across the whole lifetime of the handle.
	readMu  sync.Mutex
	readBuf []byte
}

func (d *win32Device) Info() hid.DeviceInfo { return d.info }

func (d *win32Device) get() (windows.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return windows.InvalidHandle, hid.ErrClosed
	}
	return d.handle, nil
}

// Write pads or truncates to the fixed output report length before
// transmission, as the HID class driver requires.
func (d *win32Device) Write(data []byte, reportID byte) (int, error) {
	handle, err := d.get()
	if err != nil {
		return 0, err
	}
	if d.outputLen == 0 {
		return 0, fmt.Errorf("%w: device has no output report", hid.ErrUnsupported)
	}
	buf := make([]byte, d.outputLen)
	buf[0] = reportID
	n := copy(buf[1:], data)

	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, hid.NewIOError("CreateEvent", int64(errnoVal(err)), err)
	}
	defer windows.CloseHandle(event)
	ov := windows.Overlapped{HEvent: event}
	err = windows.WriteFile(handle, buf, nil, &ov)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, mapWinErr("WriteFile", err)
	}
	var written uint32
	if err := windows.GetOverlappedResult(handle, &ov, &written, true); err != nil {
		return 0, mapWinErr("WriteFile", err)
	}
	return n, nil
}

func (d *win32Device) SendFeatureReport(data []byte, reportID byte) (int, error) {
	handle, err := d.get()
	if err != nil {
		return 0, err
	}
	size := d.featureLen
	if size < len(data)+1 {
		size = len(data) + 1
	}
	buf := make([]byte, size)
	buf[0] = reportID
	copy(buf[1:], data)
	ok, _, callErr := procHidDSetFeature.Call(uintptr(handle),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if ok == 0 {
		return 0, mapWinErr("HidD_SetFeature", callErr)
	}
	return len(data), nil
}

func (d *win32Device) GetFeatureReport(buf []byte, reportID byte) (int, error) {
	handle, err := d.get()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	buf[0] = reportID
	ok, _, callErr := procHidDGetFeature.Call(uintptr(handle),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if ok == 0 {
		return 0, mapWinErr("HidD_GetFeature", callErr)
	}
	return len(buf), nil
}

func (d *win32Device) GetInputReport(buf []byte, reportID byte) (int, error) {
	handle, err := d.get()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	buf[0] = reportID
	ok, _, callErr := procHidDGetInputReport.Call(uintptr(handle),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if ok == 0 {
		return 0, mapWinErr("HidD_GetInputReport", callErr)
	}
	return len(buf), nil
}

// ReadInputReport arms one asynchronous read and waits with a bounded
// timeout. A leading zero report id injected by the host is stripped so that
// output matches the other platforms.
func (d *win32Device) ReadInputReport(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, hid.ErrClosed
	}
	handle, event := d.handle, d.readEvent
	d.mu.Unlock()

	d.readMu.Lock()
	defer d.readMu.Unlock()

	raw := d.readBuf
	windows.ResetEvent(event)
	ov := windows.Overlapped{HEvent: event}
	err := windows.ReadFile(handle, raw, nil, &ov)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, mapWinErr("ReadFile", err)
	}

	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout.Milliseconds())
	}
	evt, err := windows.WaitForSingleObject(event, ms)
	if err != nil {
		return 0, mapWinErr("WaitForSingleObject", err)
	}
	if evt == uint32(windows.WAIT_TIMEOUT) {
		windows.CancelIoEx(handle, &ov)
		// The read may still complete into raw after the cancel request.
		// Wait for the kernel to let go of the buffer before rearming it.
		var drained uint32
		windows.GetOverlappedResult(handle, &ov, &drained, true)
		return 0, hid.ErrTimeout
	}
	var n uint32
	if err := windows.GetOverlappedResult(handle, &ov, &n, true); err != nil {
		return 0, mapWinErr("ReadFile", err)
	}
	out := raw[:n]
	if n > 0 && out[0] == 0 {
		out = out[1:] // host-injected zero report id
	}
	return copy(buf, out), nil
}

func (d *win32Device) GetReportDescriptor() ([]byte, error) {
	handle, err := d.get()
	if err != nil {
		return nil, err
	}
	var preparsed uintptr
	ok, _, callErr := procHidDGetPreparsedData.Call(uintptr(handle), uintptr(unsafe.Pointer(&preparsed)))
	if ok == 0 {
		return nil, hid.NewIOError("HidD_GetPreparsedData", int64(errnoVal(callErr)), callErr)
	}
	defer procHidDFreePreparsedData.Call(preparsed)

	header := unsafe.Slice((*byte)(unsafe.Pointer(preparsed)), hiddesc.BlobHeaderLen)
	total, err := hiddesc.BlobLen(header)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, total)
	copy(blob, unsafe.Slice((*byte)(unsafe.Pointer(preparsed)), total))
	pd, err := hiddesc.ParsePreparsedBlob(blob)
	if err != nil {
		return nil, err
	}
	return hiddesc.Reconstruct(pd)
}

func (d *win32Device) AddInputReportListener(fn hid.InputReportListener) {
	first := d.listeners.add(fn)
	if !first {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.readLoop(d.stop, d.done)
}

func (d *win32Device) readLoop(stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, d.inputLen)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := d.ReadInputReport(buf, 100*time.Millisecond)
		if errors.Is(err, hid.ErrTimeout) {
			continue
		}
		if err != nil {
			if !errors.Is(err, hid.ErrClosed) {
				d.logger.Debug("input read failed", "error", err)
			}
			return
		}
		if n > 0 {
			d.listeners.dispatch(buf[:n])
		}
	}
}

// Close unhooks listeners, cancels in-flight reads, waits for the read loop
// and only then releases the native handle. Closing twice is a no-op.
func (d *win32Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	handle, event := d.handle, d.readEvent
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.listeners.clear()
	windows.CancelIoEx(handle, nil)
	if stop != nil {
		close(stop)
		<-done
	}
	windows.CloseHandle(event)
	return windows.CloseHandle(handle)
}

func mapWinErr(op string, err error) error {
	switch {
	case errors.Is(err, windows.ERROR_DEVICE_NOT_CONNECTED),
		errors.Is(err, windows.ERROR_OPERATION_ABORTED):
		return fmt.Errorf("%w: %s: %v", hid.ErrDisconnected, op, err)
	default:
		return hid.NewIOError(op, int64(errnoVal(err)), err)
	}
}

func errnoVal(err error) uint32 {
	var e windows.Errno
	if errors.As(err, &e) {
		return uint32(e)
	}
	return 0
}
