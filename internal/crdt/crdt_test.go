package crdt

import (
	"testing"

	"github.com/hearth-dev/hearth/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestGSetInsertContains(t *testing.T) {
	s := NewGSet[string]()
	s.Insert("a")
	s.Insert("b")
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("c"))
	assert.Equal(t, 2, s.Len())
}

func TestGSetMergeIsUnion(t *testing.T) {
	a := GSetOf("x", "y")
	b := GSetOf("y", "z")
	a.Merge(b)

	assert.True(t, a.Contains("x"))
	assert.True(t, a.Contains("y"))
	assert.True(t, a.Contains("z"))
	assert.Equal(t, 3, a.Len())
}

func TestGSetMergeIsIdempotent(t *testing.T) {
	a := GSetOf("x")
	b := GSetOf("x", "y")
	a.Merge(b)
	before := a.Len()
	a.Merge(b)
	assert.Equal(t, before, a.Len())
}

func TestGSetCloneIsIndependent(t *testing.T) {
	a := GSetOf("x")
	b := a.Clone()
	b.Insert("y")
	assert.False(t, a.Contains("y"))
	assert.True(t, b.Contains("y"))
}

func stringLess(a, b string) bool { return a < b }

func TestLWWRegisterNewerClockWins(t *testing.T) {
	r := NewLWWRegister("a", clock.Lamport(1))
	r = r.Set("b", clock.Lamport(2), stringLess)
	assert.Equal(t, "b", r.Get())
	assert.Equal(t, clock.Lamport(2), r.Clock())
}

func TestLWWRegisterOlderClockLoses(t *testing.T) {
	r := NewLWWRegister("a", clock.Lamport(5))
	r = r.Set("b", clock.Lamport(2), stringLess)
	assert.Equal(t, "a", r.Get())
}

func TestLWWRegisterTieBrokenByLess(t *testing.T) {
	r := NewLWWRegister("a", clock.Lamport(2))
	r = r.Set("z", clock.Lamport(2), stringLess)
	assert.Equal(t, "z", r.Get(), "z > a lexically, should win the tie")

	r2 := NewLWWRegister("z", clock.Lamport(2))
	r2 = r2.Set("a", clock.Lamport(2), stringLess)
	assert.Equal(t, "z", r2.Get(), "a < z lexically, should lose the tie")
}

func TestLWWRegisterMergeCommutative(t *testing.T) {
	a := NewLWWRegister("x", clock.Lamport(3))
	b := NewLWWRegister("y", clock.Lamport(4))

	ab := a.Merge(b, stringLess)
	ba := b.Merge(a, stringLess)
	assert.Equal(t, ab.Get(), ba.Get())
	assert.Equal(t, ab.Clock(), ba.Clock())
}
