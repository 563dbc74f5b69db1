package platform

import (
	"sync"

	"github.com/Alia5/nativehid/hid"
)

// listenerSet is the per-device registry of input report listeners. Dispatch
// runs on the device's single delivery goroutine, so listeners observe
// reports strictly in order.
type listenerSet struct {
	mu  sync.Mutex
	fns []hid.InputReportListener
}

func (s *listenerSet) add(fn hid.InputReportListener) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	return len(s.fns) == 1
}

// dispatch hands one report to every listener. The data slice may be reused
// by the caller after dispatch returns.
func (s *listenerSet) dispatch(data []byte) {
	s.mu.Lock()
	fns := s.fns
	s.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// clear unhooks all listeners. Part of the close sequence: it must happen
// before the read loop is stopped.
func (s *listenerSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = nil
}
