package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Alia5/nativehid/hiddesc"
)

type Descriptor struct {
	DeviceSelector `embed:""`
	Parse          bool `help:"Also print the usage pairs extracted from the descriptor"`
	Raw            bool `help:"Write raw descriptor bytes to stdout instead of hex"`
}

func (c *Descriptor) Run(logger *slog.Logger) error {
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

	desc, err := dev.GetReportDescriptor()
	if err != nil {
		return err
	}

	if c.Raw {
		_, err := os.Stdout.Write(desc)
		return err
	}

	for i, b := range desc {
		if i > 0 {
			if i%16 == 0 {
				fmt.Println()
			} else {
				fmt.Print(" ")
			}
		}
		fmt.Printf("%02x", b)
	}
	fmt.Println()

	if c.Parse {
		pairs, err := hiddesc.ExtractUsages(desc)
		if err != nil {
			return fmt.Errorf("descriptor does not parse: %w", err)
		}
		for _, p := range pairs {
			fmt.Printf("usagePage=0x%04x usage=0x%04x\n", p.Page, p.Usage)
		}
	}
	return nil
}
