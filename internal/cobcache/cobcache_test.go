package cobcache

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cobs-cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTipSetHashIsOrderInsensitive(t *testing.T) {
	a := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	assert.Equal(t, TipSetHash([]plumbing.Hash{a, b}), TipSetHash([]plumbing.Hash{b, a}))
	assert.NotEqual(t, TipSetHash([]plumbing.Hash{a}), TipSetHash([]plumbing.Hash{a, b}))
}

func TestGetPutRoundTrip(t *testing.T) {
	c := openTestCache(t)
	id := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tips := []plumbing.Hash{plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}

	_, ok, err := c.Get("dev.hearth.issue", id, tips)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("dev.hearth.issue", id, tips, []byte(`{"title":"x"}`)))
	state, ok, err := c.Get("dev.hearth.issue", id, tips)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"title":"x"}`), state)
}

func TestPutReplacesOlderTipSets(t *testing.T) {
	c := openTestCache(t)
	id := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	oldTips := []plumbing.Hash{plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}
	newTips := []plumbing.Hash{plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc")}

	require.NoError(t, c.Put("dev.hearth.issue", id, oldTips, []byte("old")))
	require.NoError(t, c.Put("dev.hearth.issue", id, newTips, []byte("new")))

	_, ok, err := c.Get("dev.hearth.issue", id, oldTips)
	require.NoError(t, err)
	assert.False(t, ok, "stale tip set must be evicted")

	state, ok, err := c.Get("dev.hearth.issue", id, newTips)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), state)
}

func TestInvalidateAll(t *testing.T) {
	c := openTestCache(t)
	id := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, c.Put("dev.hearth.issue", id, nil, []byte("x")))
	require.NoError(t, c.InvalidateAll())
	_, ok, err := c.Get("dev.hearth.issue", id, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
