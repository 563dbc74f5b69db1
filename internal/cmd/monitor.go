package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/hidmgr"
)

type Monitor struct {
	Interval        time.Duration `help:"Scan interval" default:"500ms" env:"NATIVEHID_SCAN_INTERVAL"`
	PauseAfterWrite time.Duration `help:"Extra scan pause after a write" default:"5s"`
	Throttled       bool          `help:"Pause scanning after writes (for slow devices)"`
}

// Run watches attach and detach events until interrupted.
func (c *Monitor) Run(logger *slog.Logger) error {
	mode := hid.ScanFixedInterval
	if c.Throttled {
		mode = hid.ScanFixedIntervalPauseAfterWrite
	}
	m, err := hidmgr.New(hid.Config{
		ScanMode:        mode,
		ScanInterval:    c.Interval,
		PauseAfterWrite: c.PauseAfterWrite,
	}, logger)
	if err != nil {
		return err
	}

	m.OnAttach(func(di hid.DeviceInfo) {
		logger.Info("attached", "vid", di.VendorID, "pid", di.ProductID,
			"product", di.Product, "path", di.Path)
	})
	m.OnDetach(func(di hid.DeviceInfo) {
		logger.Info("detached", "vid", di.VendorID, "pid", di.ProductID,
			"product", di.Product, "path", di.Path)
	})

	if err := m.Start(); err != nil {
		return err
	}
	logger.Info("watching for device changes, press ctrl-c to stop", "interval", c.Interval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return m.Shutdown()
}
