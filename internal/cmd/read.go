package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/internal/log"
)

type Read struct {
	DeviceSelector `embed:""`
	Timeout        time.Duration `help:"Per-read timeout" default:"1s"`
	Count          int           `help:"Stop after this many reports (0 = until interrupted)" default:"0"`
	Listen         bool          `help:"Use the background listener instead of polled reads"`
}

func (c *Read) Run(logger *slog.Logger, reportLog log.ReportLogger) error {
	m, err := newPassiveManager(logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Shutdown() }()

	info, err := c.pick(m)
	if err != nil {
		return err
	}
	dev, err := m.Open(info)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()
	logger.Info("reading input reports", "path", info.Path, "timeout", c.Timeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Listen {
		return c.listen(ctx, dev, reportLog)
	}
	return c.poll(ctx, dev, logger, reportLog)
}

// poll reads synchronously on the caller's schedule.
func (c *Read) poll(ctx context.Context, dev hid.Device, logger *slog.Logger, reportLog log.ReportLogger) error {
	buf := make([]byte, 4096)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := dev.ReadInputReport(buf, c.Timeout)
		if errors.Is(err, hid.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		reportLog.Log(true, buf[0], buf[:n])
		seen++
		if c.Count > 0 && seen >= c.Count {
			logger.Debug("report count reached", "count", seen)
			return nil
		}
	}
}

// listen exercises the background delivery path. Report buffers are only
// valid during the callback, so the counter is all that escapes it.
func (c *Read) listen(ctx context.Context, dev hid.Device, reportLog log.ReportLogger) error {
	done := make(chan struct{})
	seen := 0
	dev.AddInputReportListener(func(data []byte) {
		if len(data) == 0 {
			return
		}
		reportLog.Log(true, data[0], data)
		seen++
		if c.Count > 0 && seen == c.Count {
			close(done)
		}
	})
	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}
