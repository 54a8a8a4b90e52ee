// Package lww tracks a monotonically increasing local sequence per entity so that results
// of overlapping external calls can be applied last-writer-wins.
//
// A caller takes a ticket with Begin before issuing a state-changing call and asks Stale
// when the result arrives. The result is discarded when a newer state-changing call was
// issued for the same entity in the meantime.
package lww

import "sync"

// Ticket identifies one issued call
type Ticket struct {
	Key string
	Seq uint64
}

// Clock hands out sequence numbers; the zero value is not usable, use New.
type Clock struct {
	mu     sync.Mutex
	next   uint64
	latest map[string]uint64
}

// New creates a clock
func New() *Clock {
	return &Clock{latest: make(map[string]uint64)}
}

// Begin records a new state-changing call for key and returns its ticket.
func (c *Clock) Begin(key string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.latest[key] = c.next
	return Ticket{Key: key, Seq: c.next}
}

// Observe returns a ticket for a read of key without superseding earlier writes.
// A read result is stale once any write for the key begins after it.
func (c *Clock) Observe(key string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return Ticket{Key: key, Seq: c.next}
}

// Stale reports whether a call newer than t was issued for t.Key.
func (c *Clock) Stale(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[t.Key] > t.Seq
}

// StaleFor reports whether a call newer than t was issued for another key.
// Used when a bulk read (a full refresh) is applied entity by entity.
func (c *Clock) StaleFor(key string, t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[key] > t.Seq
}

// Latest returns the sequence of the newest call issued for key, 0 if none.
func (c *Clock) Latest(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[key]
}
