// Package cmd holds the hidtool command implementations wired together by
// kong.
package cmd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Alia5/nativehid/hid"
	"github.com/Alia5/nativehid/hidmgr"
)

// CLI is the root command grammar. Field values may come from flags,
// environment variables or a JSON/YAML/TOML config file.
type CLI struct {
	Log struct {
		Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"NATIVEHID_LOG_LEVEL"`
		File    string `help:"Write logs to this file instead of the console" env:"NATIVEHID_LOG_FILE"`
		RawFile string `help:"Write raw report hex dumps to this file" env:"NATIVEHID_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`
	ConfigPath string `name:"config" help:"Path to a configuration file" env:"NATIVEHID_CONFIG"`

	List       List       `cmd:"" help:"List HID interfaces"`
	Monitor    Monitor    `cmd:"" help:"Watch devices attach and detach"`
	Read       Read       `cmd:"" help:"Read input reports from a device"`
	Write      Write      `cmd:"" help:"Send an output report to a device"`
	Feature    Feature    `cmd:"" help:"Get or send a feature report"`
	Descriptor Descriptor `cmd:"" help:"Dump a device's report descriptor"`
	InitConfig ConfigInit `cmd:"" name:"init-config" help:"Generate a configuration template"`
	SetupUdev  SetupUdev  `cmd:"" name:"setup-udev" help:"Install the udev rule for unprivileged hidraw access (linux)"`
	Version    VersionCmd `cmd:"" help:"Print the version"`
}

// DeviceSelector is embedded by every command that targets one device.
type DeviceSelector struct {
	Vendor  string `help:"Vendor id filter (hex)" placeholder:"VID"`
	Product string `help:"Product id filter (hex)" placeholder:"PID"`
	Path    string `help:"Exact device path as printed by 'hidtool list'"`
	Serial  string `help:"Serial number filter"`
}

func (s *DeviceSelector) ids() (uint16, uint16, error) {
	vid, err := parseHexID(s.Vendor)
	if err != nil {
		return 0, 0, fmt.Errorf("bad vendor id %q: %w", s.Vendor, err)
	}
	pid, err := parseHexID(s.Product)
	if err != nil {
		return 0, 0, fmt.Errorf("bad product id %q: %w", s.Product, err)
	}
	return vid, pid, nil
}

// pick resolves the selector to exactly one device advertisement.
func (s *DeviceSelector) pick(m *hidmgr.Manager) (hid.DeviceInfo, error) {
	vid, pid, err := s.ids()
	if err != nil {
		return hid.DeviceInfo{}, err
	}
	infos, err := m.Enumerate(vid, pid)
	if err != nil {
		return hid.DeviceInfo{}, err
	}
	for _, di := range infos {
		if s.Path != "" && di.Path != s.Path {
			continue
		}
		if s.Serial != "" && di.SerialNumber != s.Serial {
			continue
		}
		return di, nil
	}
	return hid.DeviceInfo{}, fmt.Errorf("%w: no device matches the selector", hid.ErrNotFound)
}

func parseHexID(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseHexBytes(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", ",", "").Replace(s)
	return hex.DecodeString(cleaned)
}

func newPassiveManager(logger *slog.Logger) (*hidmgr.Manager, error) {
	return hidmgr.New(hid.Config{ScanMode: hid.ScanNone}, logger)
}

// Version is injected at build time via -ldflags.
var Version = "dev"

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println(Version)
	return nil
}
