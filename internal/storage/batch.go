package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/gitexec"
)

// RefUpdate is one entry in an atomic reference batch. A zero Old means
// the reference must not exist yet; a zero New deletes it.
type RefUpdate struct {
	Name string
	Old  plumbing.Hash
	New  plumbing.Hash
}

// ApplyBatch applies reference updates as a unit under the repository
// write lock. Every update's Old value is checked against the live
// reference before anything is written; a mid-batch failure rolls back
// the updates already applied, so a failed batch leaves no partial update
// behind. Readers take no lock and may observe a batch while it is applied.
func (r *Repository) ApplyBatch(updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.Lock(); err != nil {
		return err
	}
	defer r.Unlock()

	// Validate preconditions before touching anything.
	for _, u := range updates {
		current, err := r.Reference(u.Name)
		switch {
		case err == nil:
			if current != u.Old {
				return errs.New(errs.StorageError, fmt.Sprintf("reference %s moved concurrently (have %s, expected %s)", u.Name, current, u.Old))
			}
		case u.Old == plumbing.ZeroHash:
			// creating; absence is the expected state
		default:
			return errs.New(errs.StorageError, fmt.Sprintf("reference %s vanished concurrently", u.Name))
		}
	}

	applied := 0
	var failure error
	for i, u := range updates {
		if u.New == plumbing.ZeroHash {
			failure = r.RemoveReference(u.Name)
		} else {
			failure = r.SetReference(u.Name, u.New)
		}
		if failure != nil {
			applied = i
			break
		}
	}
	if failure == nil {
		return nil
	}

	// Roll back in reverse order.
	for i := applied - 1; i >= 0; i-- {
		u := updates[i]
		if u.Old == plumbing.ZeroHash {
			_ = r.RemoveReference(u.Name)
		} else {
			_ = r.SetReference(u.Name, u.Old)
		}
	}
	return errs.Wrap(errs.StorageError, "reference batch aborted", failure)
}

// keepPrefix marks staged packfile data as protected from garbage
// collection while a fetch transaction is in flight.
const keepPrefix = "hearth-keep-"

// KeepMarker writes a keep file for a fetch session, preventing the
// deferred GC pass from pruning objects that are not yet referenced.
func (r *Repository) KeepMarker(session string) (string, error) {
	path := filepath.Join(r.path, keepPrefix+session)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return "", errs.Wrap(errs.StorageError, "write keep marker", err)
	}
	return path, nil
}

// DropKeepMarker removes a fetch session's keep file. Dropping a marker
// that is already gone is not an error.
func (r *Repository) DropKeepMarker(session string) error {
	err := os.Remove(filepath.Join(r.path, keepPrefix+session))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StorageError, "remove keep marker", err)
	}
	return nil
}

// GC prunes unreachable objects older than expiry, unless any live keep
// marker younger than expiry exists (an overlapping fetch may still be
// staging objects). Stale markers beyond expiry are swept first, so a
// crashed fetch cannot pin garbage forever.
func (r *Repository) GC(ctx context.Context, expiry time.Duration) error {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return errs.Wrap(errs.StorageError, "scan repository for keep markers", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), keepPrefix) {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		if now.Sub(info.ModTime()) < expiry {
			return nil // a fetch is (or may be) in flight; try again later
		}
		_ = os.Remove(filepath.Join(r.path, entry.Name()))
	}

	runner := gitexec.New(r.path)
	if err := runner.Repack(ctx); err != nil {
		return err
	}
	return runner.PruneUnreachable(ctx, expiry)
}
