package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickIncrements(t *testing.T) {
	c := New(0)
	assert.Equal(t, Lamport(1), c.Tick())
	assert.Equal(t, Lamport(2), c.Tick())
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	c := New(0)
	c.Observe(10)
	assert.Equal(t, Lamport(10), c.Current())
	assert.Equal(t, Lamport(11), c.Tick())
}

func TestObserveNeverRewinds(t *testing.T) {
	c := New(5)
	c.Observe(2)
	assert.Equal(t, Lamport(5), c.Current())
}

func TestMerge(t *testing.T) {
	assert.Equal(t, Lamport(5), Lamport(5).Merge(3))
	assert.Equal(t, Lamport(7), Lamport(5).Merge(7))
}

func TestClockConcurrentTicksAreUnique(t *testing.T) {
	c := New(0)
	const n = 200
	seen := make(chan Lamport, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Tick()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[Lamport]bool, n)
	for v := range seen {
		assert.False(t, unique[v], "duplicate lamport value %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, n)
}
