package hidmgr

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/nativehid/hid"
	hidtest "github.com/Alia5/nativehid/internal/testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dev(path string, vendorID, productID uint16) hid.DeviceInfo {
	return hid.DeviceInfo{Path: path, VendorID: vendorID, ProductID: productID}
}

func TestScanDiffFiresOnlyForChanges(t *testing.T) {
	backend := &hidtest.MockBackend{}
	backend.SetDevices(dev("A", 1, 1), dev("B", 1, 2))
	m := newManager(backend, hid.Config{ScanMode: hid.ScanNone}, testLogger())

	var mu sync.Mutex
	var events []string
	m.OnAttach(func(di hid.DeviceInfo) {
		mu.Lock()
		events = append(events, "attach:"+di.Path)
		mu.Unlock()
	})
	m.OnDetach(func(di hid.DeviceInfo) {
		mu.Lock()
		events = append(events, "detach:"+di.Path)
		mu.Unlock()
	})

	require.NoError(t, m.Start())
	assert.Empty(t, events, "devices present at start fire no events")

	backend.SetDevices(dev("A", 1, 1))
	require.NoError(t, m.Scan())
	assert.Equal(t, []string{"detach:B"}, events)

	backend.SetDevices(dev("A", 1, 1), dev("C", 1, 3))
	require.NoError(t, m.Scan())
	assert.Equal(t, []string{"detach:B", "attach:C"}, events, "no events for the unchanged device")

	m.Stop()
}

func TestStartFailureLeavesManagerStopped(t *testing.T) {
	backend := &hidtest.MockBackend{}
	backend.SetEnumerateError(errors.New("bus unavailable"))
	m := newManager(backend, hid.Config{ScanMode: hid.ScanFixedInterval, ScanInterval: time.Hour}, testLogger())

	require.Error(t, m.Start())

	backend.SetEnumerateError(nil)
	backend.SetDevices(dev("A", 1, 1))
	require.NoError(t, m.Start(), "manager restarts cleanly after a failed start")
	m.Stop()
}

func TestFixedIntervalScanDetectsAttach(t *testing.T) {
	backend := &hidtest.MockBackend{}
	m := newManager(backend, hid.Config{
		ScanMode:     hid.ScanFixedInterval,
		ScanInterval: 5 * time.Millisecond,
	}, testLogger())

	attached := make(chan string, 8)
	m.OnAttach(func(di hid.DeviceInfo) { attached <- di.Path })

	require.NoError(t, m.Start())
	defer m.Stop()

	backend.SetDevices(dev("A", 1, 1))
	select {
	case path := <-attached:
		assert.Equal(t, "A", path)
	case <-time.After(2 * time.Second):
		t.Fatal("scan loop never reported the attach")
	}
}

func TestConcurrentStartLaunchesSingleScanLoop(t *testing.T) {
	backend := &hidtest.MockBackend{}
	backend.SetDevices(dev("A", 1, 1))

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	backend.SetEnumerateHook(func() {
		select {
		case <-release:
		default:
			entered <- struct{}{}
			<-release
		}
	})
	m := newManager(backend, hid.Config{
		ScanMode:     hid.ScanFixedInterval,
		ScanInterval: time.Millisecond,
	}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start())
		}()
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no Start call reached the initial enumeration")
	}
	select {
	case <-entered:
		t.Fatal("both Start calls ran the initial enumeration")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	m.Stop()
	count := backend.EnumerateCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, backend.EnumerateCount(), "no scan loop survives Stop")
}

func TestEnumerateUnfilteredIsUnionOfFilters(t *testing.T) {
	backend := &hidtest.MockBackend{}
	backend.SetDevices(
		dev("A", 0x1209, 0x0001),
		dev("B", 0x1209, 0x0002),
		dev("C", 0x2341, 0x0001),
	)
	m := newManager(backend, hid.Config{}, testLogger())

	all, err := m.Enumerate(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	var union []hid.DeviceInfo
	for _, ids := range [][2]uint16{{0x1209, 0x0001}, {0x1209, 0x0002}, {0x2341, 0x0001}} {
		infos, err := m.Enumerate(ids[0], ids[1])
		require.NoError(t, err)
		require.Len(t, infos, 1)
		union = append(union, infos...)
	}
	assert.ElementsMatch(t, all, union, "the unfiltered list is exactly the union of the per-id lists")
}

func TestEnumerateReportsNotFound(t *testing.T) {
	backend := &hidtest.MockBackend{}
	backend.SetDevices(dev("A", 0x1209, 0x0001))
	m := newManager(backend, hid.Config{}, testLogger())

	infos, err := m.Enumerate(0x1209, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	_, err = m.Enumerate(0xdead, 0)
	assert.ErrorIs(t, err, hid.ErrNotFound)
}

func TestShutdownForceClosesTrackedDevices(t *testing.T) {
	backend := &hidtest.MockBackend{}
	info := dev("A", 1, 1)
	backend.SetDevices(info)
	m := newManager(backend, hid.Config{ScanMode: hid.ScanNone}, testLogger())
	require.NoError(t, m.Start())

	handle, err := m.Open(info)
	require.NoError(t, err)
	inner := handle.(*managedDevice).Device.(*hidtest.MockDevice)

	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, inner.CloseCount())

	// closing through the caller's handle afterwards must not fail and the
	// mock tolerates the extra close the way real devices do
	require.NoError(t, handle.Close())
}

func TestCallerCloseUntracksDevice(t *testing.T) {
	backend := &hidtest.MockBackend{}
	info := dev("A", 1, 1)
	backend.SetDevices(info)
	m := newManager(backend, hid.Config{ScanMode: hid.ScanNone}, testLogger())
	require.NoError(t, m.Start())

	handle, err := m.Open(info)
	require.NoError(t, err)
	inner := handle.(*managedDevice).Device.(*hidtest.MockDevice)

	require.NoError(t, handle.Close())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, inner.CloseCount(), "shutdown does not re-close a released handle")
}

func TestWriteRestartsPauseAfterWriteScan(t *testing.T) {
	backend := &hidtest.MockBackend{}
	info := dev("A", 1, 1)
	backend.SetDevices(info)
	m := newManager(backend, hid.Config{
		ScanMode:        hid.ScanFixedIntervalPauseAfterWrite,
		ScanInterval:    5 * time.Millisecond,
		PauseAfterWrite: 20 * time.Millisecond,
	}, testLogger())

	attached := make(chan string, 8)
	m.OnAttach(func(di hid.DeviceInfo) { attached <- di.Path })

	require.NoError(t, m.Start())
	defer m.Stop()

	handle, err := m.Open(info)
	require.NoError(t, err)
	_, err = handle.Write([]byte{0x01}, 0)
	require.NoError(t, err)

	// the restarted loop still detects changes after the pause elapses
	backend.SetDevices(info, dev("B", 1, 2))
	select {
	case path := <-attached:
		assert.Equal(t, "B", path)
	case <-time.After(2 * time.Second):
		t.Fatal("scan loop never resumed after the write pause")
	}
	require.NoError(t, handle.Close())
}

func TestListenerReceivesPushedReports(t *testing.T) {
	backend := &hidtest.MockBackend{}
	info := dev("A", 1, 1)
	backend.SetDevices(info)
	m := newManager(backend, hid.Config{ScanMode: hid.ScanNone}, testLogger())
	require.NoError(t, m.Start())
	defer func() { _ = m.Shutdown() }()

	handle, err := m.Open(info)
	require.NoError(t, err)

	var got [][]byte
	handle.AddInputReportListener(func(data []byte) {
		got = append(got, append([]byte(nil), data...))
	})

	inner := handle.(*managedDevice).Device.(*hidtest.MockDevice)
	inner.PushReport([]byte{0x01, 0xaa})
	inner.PushReport([]byte{0x01, 0xbb})

	require.Len(t, got, 2)
	assert.Equal(t, []byte{0x01, 0xaa}, got[0])
	assert.Equal(t, []byte{0x01, 0xbb}, got[1], "delivery preserves order")
}
