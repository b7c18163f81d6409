// Package cobcache caches evaluated collaborative-object states in
// cobs-cache.db, keyed by (type, object id, tip-set hash). The cache is
// purely a read-path optimization: every entry is rebuildable from the
// Git object database, and the whole file can be deleted at any time.
package cobcache

import (
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/hash"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS cob_states (
    type     TEXT NOT NULL,
    id       TEXT NOT NULL,
    tips     TEXT NOT NULL,
    state    BLOB NOT NULL,
    PRIMARY KEY (type, id, tips)
);
`

// Cache is a handle on cobs-cache.db.
type Cache struct {
	sql     *sql.DB
	watcher *fsnotify.Watcher
}

// Open opens (creating as needed) the cache database at path.
func Open(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "open cob cache", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.StorageError, "initialize cob cache", err)
	}
	return &Cache{sql: conn}, nil
}

// Close stops the watcher (if any) and closes the database.
func (c *Cache) Close() error {
	if c.watcher != nil {
		c.watcher.Close()
	}
	return c.sql.Close()
}

// TipSetHash derives the cache key component for a set of tips: the
// digest of the sorted tip ids, so the same tip set always maps to the
// same key regardless of enumeration order.
func TipSetHash(tips []plumbing.Hash) string {
	sorted := make([]string, len(tips))
	for i, tip := range tips {
		sorted[i] = tip.String()
	}
	sort.Strings(sorted)
	var joined []byte
	for _, s := range sorted {
		joined = append(joined, s...)
	}
	return hash.New(joined).Encode()
}

// Get returns the cached serialized state for (type, id, tips), or
// ok=false on a miss.
func (c *Cache) Get(typeName string, id plumbing.Hash, tips []plumbing.Hash) (state []byte, ok bool, err error) {
	err = c.sql.QueryRow(`SELECT state FROM cob_states WHERE type = ? AND id = ? AND tips = ?`,
		typeName, id.String(), TipSetHash(tips)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.StorageError, "read cob cache", err)
	}
	return state, true, nil
}

// Put stores a serialized evaluated state. Older tip sets for the same
// object are dropped; only the freshest evaluation is worth keeping.
func (c *Cache) Put(typeName string, id plumbing.Hash, tips []plumbing.Hash, state []byte) error {
	tx, err := c.sql.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageError, "write cob cache", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM cob_states WHERE type = ? AND id = ?`, typeName, id.String()); err != nil {
		return errs.Wrap(errs.StorageError, "write cob cache", err)
	}
	if _, err := tx.Exec(`INSERT INTO cob_states (type, id, tips, state) VALUES (?, ?, ?, ?)`,
		typeName, id.String(), TipSetHash(tips), state); err != nil {
		return errs.Wrap(errs.StorageError, "write cob cache", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageError, "write cob cache", err)
	}
	return nil
}

// InvalidateAll drops every cached state. Coarse on purpose: entries
// are cheap to rebuild, and finer invalidation would need to reparse
// ref updates the watcher only sees as file events.
func (c *Cache) InvalidateAll() error {
	if _, err := c.sql.Exec(`DELETE FROM cob_states`); err != nil {
		return errs.Wrap(errs.StorageError, "invalidate cob cache", err)
	}
	return nil
}

// Watch invalidates the cache whenever the refs directory of a
// repository changes outside this process (another tool writing to the
// storage, a concurrent node sharing the home directory). In-process
// writers keep the cache coherent through Put; the watcher is the
// backstop for everything else.
func (c *Cache) Watch(repoPaths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.StorageError, "start cache watcher", err)
	}
	c.watcher = watcher
	for _, path := range repoPaths {
		if err := watcher.Add(filepath.Join(path, "refs")); err != nil {
			slog.Debug("cob cache: cannot watch refs", "path", path, "error", err)
		}
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := c.InvalidateAll(); err != nil {
						slog.Warn("cob cache invalidation failed", "error", err)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
