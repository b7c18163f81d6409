// Package clock implements the Lamport logical clock attached to every
// change entry in a collaborative object's change graph, used to order
// concurrent changes deterministically once payload signatures are
// verified.
package clock

import "sync"

// Lamport is a logical timestamp. The zero value is a valid starting
// point for a fresh actor.
type Lamport uint64

// Merge returns max(l, other), the standard Lamport clock merge rule
// applied when an event stamped other is observed.
func (l Lamport) Merge(other Lamport) Lamport {
	if other > l {
		return other
	}
	return l
}

// Clock is a mutex-guarded Lamport counter, one per actor, advanced on
// every local change and on every remote change observed during
// replication.
type Clock struct {
	mu      sync.Mutex
	current Lamport
}

// New returns a Clock starting at the given value (usually zero, or the
// highest Lamport value found in existing local state when resuming).
func New(start Lamport) *Clock {
	return &Clock{current: start}
}

// Tick advances the clock for a local event and returns the new value to
// stamp onto it.
func (c *Clock) Tick() Lamport {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// Observe advances the clock upon receiving a remote timestamp, without
// producing a value to stamp locally (no local event occurred).
func (c *Clock) Observe(remote Lamport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Merge(remote)
}

// Current returns the clock's current value without advancing it.
func (c *Clock) Current() Lamport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
