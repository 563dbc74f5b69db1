package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// ReportLogger handles raw HID report tracing with optional file output.
type ReportLogger interface {
	Log(in bool, reportID byte, data []byte)
}

// reportLogger implements ReportLogger with thread-safe output.
type reportLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewReport creates a new ReportLogger. If writer is nil, returns a no-op
// logger.
func NewReport(w io.Writer) ReportLogger {
	return &reportLogger{w: w}
}

// Log emits a single-line report trace with timestamp and hex dump.
// in=true means device->host, in=false means host->device.
func (r *reportLogger) Log(in bool, reportID byte, data []byte) {
	if len(data) == 0 {
		return
	}
	if r.w == nil {
		return
	}

	dir := "H->D"
	if in {
		dir = "D->H"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s report: 0x%02x, %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		reportID,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
