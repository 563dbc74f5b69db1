package cmd

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/nativehid/internal/log"
)

type Write struct {
	DeviceSelector `embed:""`
	ReportID       uint8  `help:"Report id to address" default:"0"`
	Data           string `arg:"" help:"Payload bytes as hex (e.g. '01ff00' or '01 ff 00')"`
}

func (c *Write) Run(logger *slog.Logger, reportLog log.ReportLogger) error {
	payload, err := parseHexBytes(c.Data)
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}

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

	reportLog.Log(false, c.ReportID, payload)
	n, err := dev.Write(payload, c.ReportID)
	if err != nil {
		return err
	}
	logger.Info("output report sent", "path", info.Path, "reportId", c.ReportID, "bytes", n)
	return nil
}
