package example

import (
	"path/filepath"
	"testing"

	"github.com/hearth-dev/hearth/internal/clock"
	"github.com/hearth-dev/hearth/internal/cob"
	"github.com/hearth-dev/hearth/internal/cobcache"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, a Action) []byte {
	t.Helper()
	raw, err := a.Encode()
	require.NoError(t, err)
	return raw
}

func TestAccumulatorFoldsActions(t *testing.T) {
	acc := Accumulator{}
	state := acc.Zero()

	var err error
	state, err = acc.Apply(state, &cob.Change{Clock: 1, Actions: [][]byte{mustEncode(t, Action{Op: "title", Value: "hello"})}})
	require.NoError(t, err)
	state, err = acc.Apply(state, &cob.Change{Clock: 2, Actions: [][]byte{mustEncode(t, Action{Op: "comment", Value: "first"})}})
	require.NoError(t, err)

	note := state.(State)
	assert.Equal(t, "hello", note.Title())
	assert.Equal(t, []string{"first"}, note.Comments())
}

func TestTitleIsLastWriteWins(t *testing.T) {
	acc := Accumulator{}
	state := acc.Zero()

	var err error
	state, err = acc.Apply(state, &cob.Change{Clock: 5, Actions: [][]byte{mustEncode(t, Action{Op: "title", Value: "newer"})}})
	require.NoError(t, err)
	// An older concurrent title never overrides a newer one.
	state, err = acc.Apply(state, &cob.Change{Clock: clock.Lamport(2), Actions: [][]byte{mustEncode(t, Action{Op: "title", Value: "older"})}})
	require.NoError(t, err)

	assert.Equal(t, "newer", state.(State).Title())
}

func TestEqualClockTitleTieBreaksDeterministically(t *testing.T) {
	acc := Accumulator{}

	fold := func(order []Action) State {
		state := acc.Zero()
		for _, a := range order {
			next, err := acc.Apply(state, &cob.Change{Clock: 3, Actions: [][]byte{mustEncode(t, a)}})
			require.NoError(t, err)
			state = next
		}
		return state.(State)
	}

	forward := fold([]Action{{Op: "title", Value: "alpha"}, {Op: "title", Value: "beta"}})
	backward := fold([]Action{{Op: "title", Value: "beta"}, {Op: "title", Value: "alpha"}})
	assert.Equal(t, forward.Title(), backward.Title(), "equal-clock merge must not depend on arrival order")
}

func TestUnknownOpRejected(t *testing.T) {
	acc := Accumulator{}
	_, err := acc.Apply(acc.Zero(), &cob.Change{Actions: [][]byte{[]byte(`{"op":"destroy"}`)}})
	assert.Error(t, err)
}

func TestCachedEvaluationMatchesDirect(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	signer, err := nid.Generate()
	require.NoError(t, err)
	repo, err := store.Init(signer, identity.New(signer.PublicKey(), identity.Payload{Name: "demo", DefaultBranch: "master"}))
	require.NoError(t, err)
	_, resource, err := repo.Identity()
	require.NoError(t, err)

	cache, err := cobcache.Open(filepath.Join(t.TempDir(), "cobs-cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	engine := cob.NewStore(repo, signer.PublicKey(), clock.New(0), nil).WithCache(cache)
	acc := Accumulator{}

	title := mustEncode(t, Action{Op: "title", Value: "cached"})
	comment := mustEncode(t, Action{Op: "comment", Value: "hello"})
	obj, err := engine.Create(Type, [][]byte{title}, signer, resource, acc)
	require.NoError(t, err)
	_, err = engine.Update(obj.ID, Type, [][]byte{comment}, nil, signer, acc)
	require.NoError(t, err)

	// First Get populates the cache; the second is served from it and
	// must be indistinguishable.
	first, err := engine.Get(obj.ID, Type, acc)
	require.NoError(t, err)
	second, err := engine.Get(obj.ID, Type, acc)
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Tips, second.Tips)
	assert.Equal(t, first.State.(State).Title(), second.State.(State).Title())
	assert.Equal(t, first.State.(State).Comments(), second.State.(State).Comments())
}
