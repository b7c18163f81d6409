package crdt

import "github.com/hearth-dev/hearth/internal/clock"

// LWWRegister is a last-write-wins register stamped with a Lamport clock:
// the value with the higher clock always wins; on a tie (the same
// Lamport value reaching the register from two authors, which can
// legitimately happen since the clock does not fully order concurrent
// actors) the caller-supplied less function breaks the tie
// deterministically so every replica converges on the same value.
type LWWRegister[T any] struct {
	value T
	clock clock.Lamport
}

// NewLWWRegister returns a register initialized to value at the given
// clock value.
func NewLWWRegister[T any](value T, at clock.Lamport) LWWRegister[T] {
	return LWWRegister[T]{value: value, clock: at}
}

// Get returns the register's current value.
func (r LWWRegister[T]) Get() T {
	return r.value
}

// Clock returns the register's current Lamport stamp.
func (r LWWRegister[T]) Clock() clock.Lamport {
	return r.clock
}

// Set merges a candidate (value, clock) pair into r, returning the
// resulting register: a strictly newer clock always wins; an older clock
// never overrides the current value; an equal clock is broken by less,
// which must return true when a is strictly less-preferred than b.
func (r LWWRegister[T]) Set(value T, at clock.Lamport, less func(a, b T) bool) LWWRegister[T] {
	switch {
	case at > r.clock:
		return LWWRegister[T]{value: value, clock: at}
	case at < r.clock:
		return r
	default:
		if less(r.value, value) {
			return LWWRegister[T]{value: value, clock: at}
		}
		return r
	}
}

// Merge combines r with other, applying the same last-write-wins rule as
// Set. It is commutative, associative, and idempotent given a consistent
// less function, the semilattice properties the COB engine's fold step
// depends on.
func (r LWWRegister[T]) Merge(other LWWRegister[T], less func(a, b T) bool) LWWRegister[T] {
	return r.Set(other.value, other.clock, less)
}
