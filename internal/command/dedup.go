package command

import (
	"sync"
	"time"
)

// Dedup remembers commands that succeeded recently so that a redundant
// trigger does not send the same command twice within the TTL. It is safe
// for concurrent use.
type Dedup struct {
	seen map[string]time.Time // command key -> success time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Recent reports whether key succeeded within the TTL.
func (d *Dedup) Recent(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[key]
	return ok && time.Since(at) < d.ttl
}

// Remember records a successful command.
func (d *Dedup) Remember(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = time.Now()
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	now := time.Now()
	for key, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, key)
			n++
		}
	}
	return n
}
