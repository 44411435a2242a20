package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const defaultMemoryCapacity = 1024

type MemoryOptions struct {
	// Capacity bounds the number of entries; zero selects the default.
	Capacity int
	Now      func() time.Time
}

type memoryStore struct {
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[pipeline.Fingerprint]Entry
}

// NewMemory builds an in-process store. Eviction runs on insert: expired entries
// go first, then the earliest-expiring entries until the store fits its capacity.
func NewMemory(opts MemoryOptions) Store {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultMemoryCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &memoryStore{
		capacity: opts.Capacity,
		now:      opts.Now,
		entries:  make(map[pipeline.Fingerprint]Entry),
	}
}

func (c *memoryStore) Lookup(_ context.Context, fp pipeline.Fingerprint) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fp]
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Live(c.now()) {
		delete(c.entries, fp)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *memoryStore) Store(_ context.Context, entry Entry) error {
	if entry.Fingerprint == "" {
		return errors.New("cache: entry fingerprint required")
	}
	now := c.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if !entry.Live(now) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Fingerprint] = entry
	c.evictLocked(now)
	return nil
}

func (c *memoryStore) evictLocked(now time.Time) {
	for fp, entry := range c.entries {
		if !entry.Live(now) {
			delete(c.entries, fp)
		}
	}
	for len(c.entries) > c.capacity {
		var (
			victim   pipeline.Fingerprint
			earliest time.Time
		)
		for fp, entry := range c.entries {
			if victim == "" || entry.ExpiresAt.Before(earliest) {
				victim, earliest = fp, entry.ExpiresAt
			}
		}
		delete(c.entries, victim)
	}
}

func (c *memoryStore) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryStore) Close(_ context.Context) error {
	return nil
}
