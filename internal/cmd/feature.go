package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/nativehid/internal/log"
)

type Feature struct {
	DeviceSelector `embed:""`
	ReportID       uint8  `help:"Report id to address" default:"0"`
	Send           string `help:"Send this hex payload instead of reading" placeholder:"HEX"`
	Length         int    `help:"Bytes to request when reading" default:"64"`
	Input          bool   `help:"Read an input report via the control channel instead of a feature report"`
}

func (c *Feature) Run(logger *slog.Logger, reportLog log.ReportLogger) error {
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

	if c.Send != "" {
		if c.Input {
			return errors.New("--send and --input are mutually exclusive")
		}
		payload, err := parseHexBytes(c.Send)
		if err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		reportLog.Log(false, c.ReportID, payload)
		n, err := dev.SendFeatureReport(payload, c.ReportID)
		if err != nil {
			return err
		}
		logger.Info("feature report sent", "path", info.Path, "reportId", c.ReportID, "bytes", n)
		return nil
	}

	if c.Length < 1 {
		return errors.New("--length must be at least 1")
	}
	buf := make([]byte, c.Length)
	var n int
	if c.Input {
		n, err = dev.GetInputReport(buf, c.ReportID)
	} else {
		n, err = dev.GetFeatureReport(buf, c.ReportID)
	}
	if err != nil {
		return err
	}
	reportLog.Log(true, c.ReportID, buf[:n])
	return nil
}
