//go:build !linux && !windows && !darwin

package platform

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/Alia5/nativehid/hid"
)

func newBackend(_ *slog.Logger) (Backend, error) {
	return nil, fmt.Errorf("%w: no HID backend for %s/%s", hid.ErrUnsupported, runtime.GOOS, runtime.GOARCH)
}
