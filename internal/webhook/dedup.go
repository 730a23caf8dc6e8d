package webhook

import (
	"context"
	"sync"
	"time"
)

// dedupSet is the first-line replay filter: transaction ids are
// remembered for a TTL so same-id re-deliveries are acknowledged without
// touching the database. The store's unique constraint remains the
// durable at-most-once guarantee underneath.
type dedupSet struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDedupSet(ttl time.Duration) *dedupSet {
	return &dedupSet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether the id is present and unexpired.
func (d *dedupSet) Seen(transactionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[transactionID]
	return ok && time.Since(at) < d.ttl
}

// Remember records the id. Call only once the payment is durable; a
// remembered id whose row never made it would swallow the bank's retry.
func (d *dedupSet) Remember(transactionID string) {
	d.mu.Lock()
	d.seen[transactionID] = time.Now()
	d.mu.Unlock()
}

// Sweep prunes expired entries every interval until the context ends.
func (d *dedupSet) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.ttl)
			d.mu.Lock()
			for id, at := range d.seen {
				if at.Before(cutoff) {
					delete(d.seen, id)
				}
			}
			d.mu.Unlock()
		}
	}
}
