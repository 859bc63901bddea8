package webhook

import (
	"sync"
	"time"
)

// deduper remembers event keys for a while so redelivered or repeated
// webhooks are admitted once.
type deduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newDeduper(ttl time.Duration) *deduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &deduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// markIfNew returns true if key has not been seen within the TTL, and
// records it.
func (d *deduper) markIfNew(key string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, k)
		}
	}

	if expiry, ok := d.entries[key]; ok && now.Before(expiry) {
		return false
	}
	d.entries[key] = now.Add(d.ttl)
	return true
}

// forget drops key so the next delivery is processed again. Used when an
// event was marked but could not be queued.
func (d *deduper) forget(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

func (d *deduper) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
