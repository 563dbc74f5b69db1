package platform

import "sync"

// Arena hands out small integer indices for live objects so that native
// callback contexts never carry Go pointers across the native boundary.
// Callbacks receive the index and recover the object through a bounds-checked
// lookup.
type Arena struct {
	mu    sync.Mutex
	slots []any
	free  []int
}

// Put stores v and returns its index.
func (a *Arena) Put(v any) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = v
		return idx
	}
	a.slots = append(a.slots, v)
	return len(a.slots) - 1
}

// Get returns the object at idx, or nil when the index is out of bounds or
// the slot was released. Callers must treat nil as a stale callback.
func (a *Arena) Get(idx int) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.slots) {
		return nil
	}
	return a.slots[idx]
}

// Remove releases the slot at idx for reuse.
func (a *Arena) Remove(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.slots) || a.slots[idx] == nil {
		return
	}
	a.slots[idx] = nil
	a.free = append(a.free, idx)
}
