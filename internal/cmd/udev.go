package cmd

import "log/slog"

// SetupUdev installs or removes the udev rule that grants unprivileged
// access to hidraw nodes. Linux only.
type SetupUdev struct {
	Remove bool `help:"Remove the rule instead of installing it"`
}

func (c *SetupUdev) Run(logger *slog.Logger) error {
	if c.Remove {
		return removeUdevRule(logger)
	}
	return installUdevRule(logger)
}
