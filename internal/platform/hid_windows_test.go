//go:build windows

package platform

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"

	"github.com/Alia5/nativehid/hid"
)

// pipeDevice builds a win32Device over the client end of a named pipe. With
// no data pending the overlapped read blocks just like a quiet HID interrupt
// endpoint, which is what the timeout path needs.
func pipeDevice(t *testing.T) (*win32Device, windows.Handle) {
	t.Helper()
	name, err := windows.UTF16PtrFromString(`\\.\pipe\nativehid-` + t.Name())
	require.NoError(t, err)
	server, err := windows.CreateNamedPipe(name,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE, 1, 4096, 4096, 0, nil)
	require.NoError(t, err)
	client, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
	require.NoError(t, err)
	if err := windows.ConnectNamedPipe(server, nil); err != nil &&
		!errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		t.Fatalf("ConnectNamedPipe: %v", err)
	}
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	require.NoError(t, err)
	d := &win32Device{
		info:      hid.DeviceInfo{Path: "pipe"},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		inputLen:  8,
		handle:    client,
		readEvent: event,
		readBuf:   make([]byte, 8),
	}
	t.Cleanup(func() {
		windows.CloseHandle(event)
		windows.CloseHandle(client)
		windows.CloseHandle(server)
	})
	return d, server
}

func serverWrite(t *testing.T, server windows.Handle, data []byte) {
	t.Helper()
	var n uint32
	require.NoError(t, windows.WriteFile(server, data, &n, nil))
	require.Equal(t, uint32(len(data)), n)
}

func TestReadInputReportTimeoutLeavesBufferReusable(t *testing.T) {
	d, server := pipeDevice(t)

	_, err := d.ReadInputReport(make([]byte, 8), 50*time.Millisecond)
	require.ErrorIs(t, err, hid.ErrTimeout)

	// a report arriving after the timed out read must come through the next
	// read intact, not land in a buffer the kernel still held
	serverWrite(t, server, []byte{0x01, 0xaa, 0xbb})
	buf := make([]byte, 8)
	n, err := d.ReadInputReport(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xaa, 0xbb}, buf[:n])
}

func TestReadInputReportStripsZeroReportID(t *testing.T) {
	d, server := pipeDevice(t)

	serverWrite(t, server, []byte{0x00, 0x11, 0x22})
	buf := make([]byte, 8)
	n, err := d.ReadInputReport(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22}, buf[:n])
}
