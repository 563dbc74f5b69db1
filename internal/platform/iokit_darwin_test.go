//go:build darwin

package platform

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The device run loop must join on the close flag alone. A Close racing the
// loop startup can issue CFRunLoopStop before the loop runs, and that stop
// is simply lost.
func TestRunLoopJoinsWithoutStopWakeup(t *testing.T) {
	require.NoError(t, loadIOKit())

	d := &iokitDevice{stopped: make(chan struct{})}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		d.runSlices()
		close(d.stopped)
	}()

	time.Sleep(10 * time.Millisecond)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case <-d.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop never observed the close flag")
	}
}
