package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/hearth-dev/hearth/internal/nid"
)

// CachedAnnouncement is the most recent accepted announcement of one kind
// from one node: enough to enforce the timestamp-monotonicity rule, to
// deduplicate relays by message id, and to replay the original payload
// during anti-entropy.
type CachedAnnouncement struct {
	Node      nid.PublicKey
	Kind      string
	MessageID string
	Timestamp time.Time
	Payload   []byte
}

// ErrNoAnnouncement is returned when the cache holds nothing for the
// queried (node, kind) pair.
var ErrNoAnnouncement = errors.New("db: no cached announcement")

// LatestAnnouncement returns the cached announcement for (node, kind).
func (d *DB) LatestAnnouncement(node nid.PublicKey, kind string) (CachedAnnouncement, error) {
	out := CachedAnnouncement{Node: node, Kind: kind}
	var ts int64
	err := d.sql.QueryRow(`
		SELECT message_id, timestamp, payload FROM announcements WHERE nid = ? AND kind = ?`,
		node.Did().String(), kind).Scan(&out.MessageID, &ts, &out.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedAnnouncement{}, ErrNoAnnouncement
	}
	if err != nil {
		return CachedAnnouncement{}, storageErr("read announcement cache", err)
	}
	out.Timestamp = time.UnixMilli(ts)
	return out, nil
}

// StoreAnnouncement replaces the cached announcement for (node, kind).
// Acceptance rules (strictly-older rejection, hash tie-break) are the
// gossip service's responsibility; this is unconditional storage.
func (d *DB) StoreAnnouncement(a CachedAnnouncement) error {
	_, err := d.sql.Exec(`
		INSERT INTO announcements (nid, kind, message_id, timestamp, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (nid, kind) DO UPDATE SET
			message_id = excluded.message_id,
			timestamp = excluded.timestamp,
			payload = excluded.payload`,
		a.Node.Did().String(), a.Kind, a.MessageID, a.Timestamp.UnixMilli(), a.Payload)
	if err != nil {
		return storageErr("store announcement", err)
	}
	return nil
}

// AnnouncementsSince returns all cached announcements with a timestamp at
// or after since, oldest first, for anti-entropy replay to a freshly
// connected peer.
func (d *DB) AnnouncementsSince(since time.Time) ([]CachedAnnouncement, error) {
	rows, err := d.sql.Query(`
		SELECT nid, kind, message_id, timestamp, payload FROM announcements
		WHERE timestamp >= ? ORDER BY timestamp ASC, nid ASC, kind ASC`, since.UnixMilli())
	if err != nil {
		return nil, storageErr("scan announcement cache", err)
	}
	defer rows.Close()

	var out []CachedAnnouncement
	for rows.Next() {
		var a CachedAnnouncement
		var did string
		var ts int64
		if err := rows.Scan(&did, &a.Kind, &a.MessageID, &ts, &a.Payload); err != nil {
			return nil, storageErr("scan announcement", err)
		}
		parsed, parseErr := nid.DecodeDid(did)
		if parseErr != nil {
			continue
		}
		a.Node = parsed.AsKey()
		a.Timestamp = time.UnixMilli(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}
