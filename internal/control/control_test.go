package control

import (
	"encoding/json"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/fetch"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"cmd":"fetch","arg":{"rid":"rad:z123","from":"did:key:zabc"}}`)
	var req Request
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, CmdFetch, req.Cmd)

	var arg FetchArg
	require.NoError(t, json.Unmarshal(req.Arg, &arg))
	assert.Equal(t, "rad:z123", arg.RID)
	assert.Equal(t, "did:key:zabc", arg.From)
}

func TestResponseCarriesErrorKind(t *testing.T) {
	resp := fail(errs.Policy("repository is blocked"))
	assert.False(t, resp.Ok)
	assert.Equal(t, string(errs.PolicyError), resp.Kind)
	assert.Contains(t, resp.Error, "blocked")

	encoded, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded Response
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, resp.Kind, decoded.Kind)
}

func TestFetchSummaryShape(t *testing.T) {
	result := &fetch.Result{
		Updated: []storage.RefUpdate{{Name: "refs/namespaces/z/refs/heads/master", New: plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}},
		Synced:  true,
		Errors:  []error{errs.Verification("non-fast-forward update")},
	}
	summary := fetchSummary(result)
	assert.True(t, summary.Synced)
	require.Len(t, summary.Updated, 1)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "non-fast-forward")
}
