package storage

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
)

// ErrNoQuorum is returned when no branch tip is agreed upon by a
// threshold of delegates.
var ErrNoQuorum = errs.New(errs.VerificationError, "no delegate quorum on canonical head")

// CanonicalHead resolves the repository's default branch tip by delegate
// quorum: the object id that at least threshold delegates' own branch
// tips agree on. A delegate with no branch (or a malformed namespace) is
// skipped rather than failing the computation; verification is
// fail-closed per remote, not per repository.
//
// When several object ids reach quorum (possible only with thresholds
// below a majority), the highest id wins, so every node resolves the
// same head.
func (r *Repository) CanonicalHead() (plumbing.Hash, error) {
	doc, _, err := r.Identity()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	branch := "refs/heads/" + doc.Payload.DefaultBranch

	votes := make(map[plumbing.Hash]int)
	for _, delegate := range doc.Delegates {
		tip, refErr := r.Reference(NamespacePrefix(delegate) + branch)
		if refErr != nil {
			continue
		}
		votes[tip]++
	}

	var winners []plumbing.Hash
	for oid, count := range votes {
		if count >= doc.Threshold {
			winners = append(winners, oid)
		}
	}
	if len(winners) == 0 {
		return plumbing.ZeroHash, ErrNoQuorum
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].String() > winners[j].String()
	})
	return winners[0], nil
}

// SetCanonicalRefs recomputes the canonical head and publishes it at the
// repository's top-level default branch reference, the view plain git
// consumers see. Fails with ErrNoQuorum when the delegates do not agree.
func (r *Repository) SetCanonicalRefs() (plumbing.Hash, error) {
	doc, _, err := r.Identity()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	head, err := r.CanonicalHead()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	name := "refs/heads/" + doc.Payload.DefaultBranch
	if err := r.SetReference(name, head); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := r.git.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.ReferenceName(name))); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, fmt.Sprintf("set HEAD to %s", name), err)
	}
	return head, nil
}
