package server

import (
	"sync"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime"
)

const defaultHandleRetention = 10 * time.Minute

// handleTable keeps submitted handles addressable by request id until they
// have been resolved for longer than the retention window.
type handleTable struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*runtime.Handle
}

func newHandleTable(retention time.Duration, now func() time.Time) *handleTable {
	if retention <= 0 {
		retention = defaultHandleRetention
	}
	if now == nil {
		now = time.Now
	}
	return &handleTable{
		retention: retention,
		now:       now,
		entries:   make(map[string]*runtime.Handle),
	}
}

func (t *handleTable) put(h *runtime.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	t.entries[h.ID()] = h
}

func (t *handleTable) get(id string) (*runtime.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	if t.expired(h, t.now()) {
		delete(t.entries, id)
		return nil, false
	}
	return h, true
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *handleTable) sweepLocked(now time.Time) {
	for id, h := range t.entries {
		if t.expired(h, now) {
			delete(t.entries, id)
		}
	}
}

func (t *handleTable) expired(h *runtime.Handle, now time.Time) bool {
	select {
	case <-h.Done():
	default:
		return false
	}
	return now.Sub(h.ResolvedAt()) > t.retention
}
