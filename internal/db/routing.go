package db

import (
	"time"

	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
)

// Seed is one routing-table entry: a node known (from inventory
// announcements) to seed a repository, with the time it was last seen
// claiming so.
type Seed struct {
	Node     nid.PublicKey
	LastSeen time.Time
}

// RecordSeed records (or refreshes) the fact that node seeds rid.
func (d *DB) RecordSeed(rid identity.RID, node nid.PublicKey, seen time.Time) error {
	_, err := d.sql.Exec(`
		INSERT INTO routing (rid, nid, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (rid, nid) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		rid.Multibase(), node.Did().String(), seen.UnixMilli())
	if err != nil {
		return storageErr("record seed", err)
	}
	return nil
}

// SeedsFor lists the known seeds of a repository, most recently seen
// first, ties broken by DID so the order is deterministic.
func (d *DB) SeedsFor(rid identity.RID) ([]Seed, error) {
	rows, err := d.sql.Query(`
		SELECT nid, last_seen FROM routing WHERE rid = ?
		ORDER BY last_seen DESC, nid ASC`, rid.Multibase())
	if err != nil {
		return nil, storageErr("list seeds", err)
	}
	defer rows.Close()

	var out []Seed
	for rows.Next() {
		var did string
		var seen int64
		if err := rows.Scan(&did, &seen); err != nil {
			return nil, storageErr("scan seed", err)
		}
		parsed, parseErr := nid.DecodeDid(did)
		if parseErr != nil {
			continue // a malformed row should not poison the whole table
		}
		out = append(out, Seed{Node: parsed.AsKey(), LastSeen: time.UnixMilli(seen)})
	}
	return out, rows.Err()
}

// SeededBy lists the repositories a node is known to seed.
func (d *DB) SeededBy(node nid.PublicKey) ([]identity.RID, error) {
	rows, err := d.sql.Query(`SELECT rid FROM routing WHERE nid = ? ORDER BY rid ASC`, node.Did().String())
	if err != nil {
		return nil, storageErr("list seeded", err)
	}
	defer rows.Close()

	var out []identity.RID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("scan rid", err)
		}
		rid, parseErr := identity.ParseRID(raw)
		if parseErr != nil {
			continue
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

// PruneRouting removes entries not seen within ttl, returning how many
// were dropped. Run periodically by the gossip service.
func (d *DB) PruneRouting(ttl time.Duration, now time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM routing WHERE last_seen < ?`, now.Add(-ttl).UnixMilli())
	if err != nil {
		return 0, storageErr("prune routing", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ForgetSeed drops all routing entries for a node, used when the node is
// blocked.
func (d *DB) ForgetSeed(node nid.PublicKey) error {
	_, err := d.sql.Exec(`DELETE FROM routing WHERE nid = ?`, node.Did().String())
	if err != nil {
		return storageErr("forget seed", err)
	}
	return nil
}
