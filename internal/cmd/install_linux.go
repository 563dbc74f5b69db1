//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const udevRulePath = "/etc/udev/rules.d/70-nativehid.rules"

// The rule tags hidraw nodes for uaccess so logged-in users can open them
// without root.
const udevRuleContent = `# Grant logged-in users access to raw HID devices.
KERNEL=="hidraw*", TAG+="uaccess"
KERNEL=="hidraw*", MODE="0660", GROUP="plugdev"
`

func installUdevRule(logger *slog.Logger) error {
	if err := os.WriteFile(udevRulePath, []byte(udevRuleContent), 0o644); err != nil {
		return err
	}

	steps := [][]string{
		{"control", "--reload-rules"},
		{"trigger", "--subsystem-match=hidraw"},
	}
	for _, args := range steps {
		if err := runUdevadm(args...); err != nil {
			return err
		}
	}

	logger.Info("udev rule installed", "path", udevRulePath)
	return nil
}

func removeUdevRule(logger *slog.Logger) error {
	var errs []error

	if err := os.Remove(udevRulePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runUdevadm("control", "--reload-rules"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("udev rule removed", "path", udevRulePath)
	return nil
}

func runUdevadm(args ...string) error {
	cmd := exec.Command("udevadm", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("udevadm %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
