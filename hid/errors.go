package hid

import (
	"errors"
	"fmt"
)

// Error taxonomy. Native-call failures propagate immediately as one of these;
// transient scan-loop failures are logged and the loop continues.
var (
	// ErrNotFound is returned when enumeration or open matched no device.
	ErrNotFound = errors.New("hid: no matching device found")

	// ErrDisconnected is returned when the device was removed mid-operation;
	// subsequent calls on the handle fail fast.
	ErrDisconnected = errors.New("hid: device disconnected")

	// ErrTimeout is returned when a bounded wait for I/O completion expired.
	ErrTimeout = errors.New("hid: operation timed out")

	// ErrClosed is returned for operations on a handle after Close.
	ErrClosed = errors.New("hid: device closed")

	// ErrUnsupported is returned when no backend serves the current platform
	// or the platform lacks the requested operation.
	ErrUnsupported = errors.New("hid: not supported on this platform")
)

// IOError wraps a failed native call, keeping the platform error code.
type IOError struct {
	Op   string
	Code int64 // platform error code (errno, NTSTATUS, IOReturn)
	Err  error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hid: %s failed: %v (code %#x)", e.Op, e.Err, uint64(e.Code))
	}
	return fmt.Sprintf("hid: %s failed (code %#x)", e.Op, uint64(e.Code))
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError builds an IOError for the named native operation.
func NewIOError(op string, code int64, err error) *IOError {
	return &IOError{Op: op, Code: code, Err: err}
}
