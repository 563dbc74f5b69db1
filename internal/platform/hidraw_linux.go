//go:build linux

package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/hiddesc"
)

const (
	sysClassHidraw = "/sys/class/hidraw"
	devDir         = "/dev"

	// Bus type constants from the HID_ID uevent field (linux/input.h).
	busUSB       = 0x03
	busBluetooth = 0x05
	busI2C       = 0x18
	busSPI       = 0x1c

	maxDescriptorSize = 4096

	// hidraw ioctl requests. _IOC(dir, 'H', nr, size) with dir bits
	// write=1, read=2 in the upper two bits.
	iocWrite = 1
	iocRead  = 2
)

func hidIoc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'H'<<8 | nr
}

var (
	hidiocGRDescSize = hidIoc(iocRead, 0x01, 4)
	hidiocGRDesc     = hidIoc(iocRead, 0x02, 4+maxDescriptorSize)
)

func hidiocSFeature(n int) uintptr { return hidIoc(iocRead|iocWrite, 0x06, uintptr(n)) }
func hidiocGFeature(n int) uintptr { return hidIoc(iocRead|iocWrite, 0x07, uintptr(n)) }
func hidiocGInput(n int) uintptr   { return hidIoc(iocRead|iocWrite, 0x0a, uintptr(n)) }

// ioctl returns the request's result value; hidraw get-report requests use
// it for the transferred length.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	for {
		r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(r1), nil
	}
}

type hidrawBackend struct {
	logger *slog.Logger
}

func newBackend(logger *slog.Logger) (Backend, error) {
	// Capability probe: without the hidraw class directory there is nothing
	// to enumerate and nothing to open.
	if _, err := os.Stat(sysClassHidraw); err != nil {
		return nil, fmt.Errorf("%w: hidraw subsystem unavailable: %v", hid.ErrUnsupported, err)
	}
	return &hidrawBackend{logger: logger}, nil
}

func (b *hidrawBackend) Name() string { return "hidraw" }

func (b *hidrawBackend) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	entries, err := os.ReadDir(sysClassHidraw)
	if err != nil {
		return nil, hid.NewIOError("readdir hidraw", int64(errnoOf(err)), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var infos []hid.DeviceInfo
	for _, name := range names {
		di, ok := b.describe(name)
		if !ok {
			continue
		}
		if vendorID != 0 && di.VendorID != vendorID {
			continue
		}
		if productID != 0 && di.ProductID != productID {
			continue
		}
		infos = append(infos, b.expandUsages(di)...)
	}
	return infos, nil
}

// describe reads the static identity of one hidraw node from its uevent and
// parent attributes.
func (b *hidrawBackend) describe(name string) (hid.DeviceInfo, bool) {
	base := filepath.Join(sysClassHidraw, name, "device")
	uevent, err := os.ReadFile(filepath.Join(base, "uevent"))
	if err != nil {
		b.logger.Debug("skipping hidraw node", "node", name, "error", err)
		return hid.DeviceInfo{}, false
	}

	di := hid.DeviceInfo{
		Path:            filepath.Join(devDir, name),
		InterfaceNumber: -1,
	}
	var busType int
	for _, line := range strings.Split(string(uevent), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "HID_ID":
			// Format: bustype:vendor:product, all hex.
			parts := strings.Split(value, ":")
			if len(parts) == 3 {
				bus, _ := strconv.ParseUint(parts[0], 16, 32)
				vid, _ := strconv.ParseUint(parts[1], 16, 32)
				pid, _ := strconv.ParseUint(parts[2], 16, 32)
				busType = int(bus)
				di.VendorID = uint16(vid)
				di.ProductID = uint16(pid)
			}
		case "HID_NAME":
			di.Product = value
		case "HID_UNIQ":
			di.SerialNumber = value
		}
	}

	switch busType {
	case busUSB:
		di.Bus = hid.BusUSB
	case busBluetooth:
		di.Bus = hid.BusBluetooth
	case busI2C:
		di.Bus = hid.BusI2C
	case busSPI:
		di.Bus = hid.BusSPI
	default:
		di.Bus = hid.BusUnknown
	}

	// Properties the HID node itself does not carry live on ancestors (the
	// USB interface and USB device nodes). Walk the parent chain for them.
	if v, ok := parentAttr(base, "manufacturer"); ok {
		di.Manufacturer = v
	}
	if di.SerialNumber == "" {
		if v, ok := parentAttr(base, "serial"); ok {
			di.SerialNumber = v
		}
	}
	if v, ok := parentAttr(base, "bcdDevice"); ok {
		if n, err := strconv.ParseUint(v, 16, 16); err == nil {
			di.ReleaseNumber = uint16(n)
		}
	}
	if di.Bus == hid.BusUSB {
		if v, ok := parentAttr(base, "bInterfaceNumber"); ok {
			if n, err := strconv.ParseUint(v, 16, 8); err == nil {
				di.InterfaceNumber = int(n)
			}
		}
	}
	return di, true
}

// parentAttr walks up the sysfs parent chain looking for a readable
// attribute file.
func parentAttr(base, attr string) (string, bool) {
	p := base
	for depth := 0; depth < 5; depth++ {
		if data, err := os.ReadFile(filepath.Join(p, attr)); err == nil {
			return strings.TrimSpace(string(data)), true
		}
		p = filepath.Join(p, "..")
	}
	return "", false
}

// expandUsages forward-parses the node's report descriptor and yields one
// record per usage-page/usage pair. When the descriptor cannot be read (no
// permission, transient detach) the bare record is returned as-is.
func (b *hidrawBackend) expandUsages(di hid.DeviceInfo) []hid.DeviceInfo {
	desc, err := readDescriptor(di.Path)
	if err != nil {
		b.logger.Debug("report descriptor unavailable", "path", di.Path, "error", err)
		return []hid.DeviceInfo{di}
	}
	pairs, err := hiddesc.ExtractUsages(desc)
	if err != nil || len(pairs) == 0 {
		b.logger.Debug("no usages extracted", "path", di.Path, "error", err)
		return []hid.DeviceInfo{di}
	}
	out := make([]hid.DeviceInfo, 0, len(pairs))
	for _, pair := range pairs {
		rec := di
		rec.UsagePage = pair.Page
		rec.Usage = pair.Usage
		out = append(out, rec)
	}
	return out
}

func readDescriptor(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	return fetchDescriptor(fd)
}

func fetchDescriptor(fd int) ([]byte, error) {
	var size int32
	if _, err := ioctl(fd, hidiocGRDescSize, unsafe.Pointer(&size)); err != nil {
		return nil, hid.NewIOError("HIDIOCGRDESCSIZE", int64(errnoOf(err)), err)
	}
	if size < 0 || size > maxDescriptorSize {
		return nil, fmt.Errorf("%w: descriptor size %d out of range", hiddesc.ErrMalformedDescriptor, size)
	}
	var raw struct {
		size  uint32
		value [maxDescriptorSize]byte
	}
	raw.size = uint32(size)
	if _, err := ioctl(fd, hidiocGRDesc, unsafe.Pointer(&raw)); err != nil {
		return nil, hid.NewIOError("HIDIOCGRDESC", int64(errnoOf(err)), err)
	}
	desc := make([]byte, size)
	copy(desc, raw.value[:size])
	return desc, nil
}

func (b *hidrawBackend) Open(info hid.DeviceInfo) (hid.Device, error) {
	fd, err := unix.Open(info.Path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", hid.ErrNotFound, info.Path)
		}
		return nil, hid.NewIOError("open "+info.Path, int64(errnoOf(err)), err)
	}
	return &hidrawDevice{
		info:   info,
		fd:     fd,
		logger: b.logger.With("path", info.Path),
	}, nil
}

// hidrawDevice reads and writes through a hidraw file descriptor. The read
// model is non-blocking: a tick with no data yields a zero-length result.
type hidrawDevice struct {
	info   hid.DeviceInfo
	logger *slog.Logger

	mu        sync.Mutex
	fd        int
	closed    bool
	listeners listenerSet
	stop      chan struct{}
	done      chan struct{}
}

func (d *hidrawDevice) Info() hid.DeviceInfo { return d.info }

func (d *hidrawDevice) handle() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, hid.ErrClosed
	}
	return d.fd, nil
}

func (d *hidrawDevice) Write(data []byte, reportID byte) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(data)+1)
	buf[0] = reportID
	copy(buf[1:], data)
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, mapErrno("write", err)
	}
	if n > 0 {
		n-- // report id byte
	}
	return n, nil
}

func (d *hidrawDevice) SendFeatureReport(data []byte, reportID byte) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(data)+1)
	buf[0] = reportID
	copy(buf[1:], data)
	if _, err := ioctl(fd, hidiocSFeature(len(buf)), unsafe.Pointer(&buf[0])); err != nil {
		return 0, mapErrno("HIDIOCSFEATURE", err)
	}
	return len(data), nil
}

func (d *hidrawDevice) GetFeatureReport(buf []byte, reportID byte) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	buf[0] = reportID
	n, err := ioctl(fd, hidiocGFeature(len(buf)), unsafe.Pointer(&buf[0]))
	if err != nil {
		return 0, mapErrno("HIDIOCGFEATURE", err)
	}
	return n, nil
}

func (d *hidrawDevice) GetInputReport(buf []byte, reportID byte) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	buf[0] = reportID
	n, err := ioctl(fd, hidiocGInput(len(buf)), unsafe.Pointer(&buf[0]))
	if err != nil {
		return 0, mapErrno("HIDIOCGINPUT", err)
	}
	return n, nil
}

func (d *hidrawDevice) ReadInputReport(buf []byte, timeout time.Duration) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	if timeout > 0 {
		ready, err := pollIn(fd, timeout)
		if err != nil {
			return 0, mapErrno("poll", err)
		}
		if !ready {
			return 0, nil
		}
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil // no data yet: not an error
		}
		return 0, mapErrno("read", err)
	}
	return n, nil
}

func (d *hidrawDevice) GetReportDescriptor() ([]byte, error) {
	fd, err := d.handle()
	if err != nil {
		return nil, err
	}
	return fetchDescriptor(fd)
}

func (d *hidrawDevice) AddInputReportListener(fn hid.InputReportListener) {
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
	go d.readLoop(d.fd, d.stop, d.done)
}

// readLoop polls the descriptor on its own tick and dispatches whatever is
// available. The report buffer is reused between deliveries.
func (d *hidrawDevice) readLoop(fd int, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDescriptorSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		ready, err := pollIn(fd, 100*time.Millisecond)
		if err != nil {
			d.logger.Debug("input poll failed", "error", err)
			return
		}
		if !ready {
			continue
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			d.logger.Debug("input read failed", "error", err)
			return
		}
		if n > 0 {
			d.listeners.dispatch(buf[:n])
		}
	}
}

// Close unhooks listeners, stops the read loop, waits for it to exit and
// only then releases the descriptor. Closing twice is a no-op.
func (d *hidrawDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stop, done := d.stop, d.done
	fd := d.fd
	d.mu.Unlock()

	d.listeners.clear()
	if stop != nil {
		close(stop)
		<-done
	}
	return unix.Close(fd)
}

func pollIn(fd int, timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n > 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return false, unix.ENODEV
		}
		return n > 0, nil
	}
}

func mapErrno(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, unix.EIO):
		return fmt.Errorf("%w: %s: %v", hid.ErrDisconnected, op, err)
	default:
		return hid.NewIOError(op, int64(errnoOf(err)), err)
	}
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
