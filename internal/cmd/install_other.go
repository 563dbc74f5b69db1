//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
)

func installUdevRule(_ *slog.Logger) error {
	return errors.New("udev rules are only applicable on linux")
}

func removeUdevRule(_ *slog.Logger) error {
	return errors.New("udev rules are only applicable on linux")
}
