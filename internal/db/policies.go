package db

import (
	"database/sql"
	"errors"

	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
)

// Policy rows as stored. Interpretation (precedence, defaults) lives in
// internal/policy; this layer is plain persistence.
type (
	// SeedPolicyRow is a stored per-repository replication rule.
	SeedPolicyRow struct {
		RID    identity.RID
		Policy string // "allow" or "block"
		Scope  string // "all" or "followed"
	}
	// FollowPolicyRow is a stored per-node follow rule.
	FollowPolicyRow struct {
		Node   nid.PublicKey
		Policy string // "allow" or "block"
		Alias  string
	}
)

// ErrNoPolicy is returned when no row exists for the queried subject.
var ErrNoPolicy = errors.New("db: no policy")

// SetSeedPolicy upserts the seed policy for a repository.
func (d *DB) SetSeedPolicy(row SeedPolicyRow) error {
	_, err := d.sql.Exec(`
		INSERT INTO seed_policies (rid, policy, scope) VALUES (?, ?, ?)
		ON CONFLICT (rid) DO UPDATE SET policy = excluded.policy, scope = excluded.scope`,
		row.RID.Multibase(), row.Policy, row.Scope)
	if err != nil {
		return storageErr("set seed policy", err)
	}
	return nil
}

// SeedPolicy reads the seed policy for a repository.
func (d *DB) SeedPolicy(rid identity.RID) (SeedPolicyRow, error) {
	row := SeedPolicyRow{RID: rid}
	err := d.sql.QueryRow(`SELECT policy, scope FROM seed_policies WHERE rid = ?`, rid.Multibase()).
		Scan(&row.Policy, &row.Scope)
	if errors.Is(err, sql.ErrNoRows) {
		return SeedPolicyRow{}, ErrNoPolicy
	}
	if err != nil {
		return SeedPolicyRow{}, storageErr("read seed policy", err)
	}
	return row, nil
}

// SeedPolicies lists all stored seed policies, sorted by RID.
func (d *DB) SeedPolicies() ([]SeedPolicyRow, error) {
	rows, err := d.sql.Query(`SELECT rid, policy, scope FROM seed_policies ORDER BY rid ASC`)
	if err != nil {
		return nil, storageErr("list seed policies", err)
	}
	defer rows.Close()

	var out []SeedPolicyRow
	for rows.Next() {
		var raw string
		var row SeedPolicyRow
		if err := rows.Scan(&raw, &row.Policy, &row.Scope); err != nil {
			return nil, storageErr("scan seed policy", err)
		}
		rid, parseErr := identity.ParseRID(raw)
		if parseErr != nil {
			continue
		}
		row.RID = rid
		out = append(out, row)
	}
	return out, rows.Err()
}

// RemoveSeedPolicy drops the stored policy for a repository, reverting it
// to the configured default.
func (d *DB) RemoveSeedPolicy(rid identity.RID) error {
	_, err := d.sql.Exec(`DELETE FROM seed_policies WHERE rid = ?`, rid.Multibase())
	if err != nil {
		return storageErr("remove seed policy", err)
	}
	return nil
}

// SetFollowPolicy upserts the follow policy for a node.
func (d *DB) SetFollowPolicy(row FollowPolicyRow) error {
	_, err := d.sql.Exec(`
		INSERT INTO follow_policies (nid, policy, alias) VALUES (?, ?, ?)
		ON CONFLICT (nid) DO UPDATE SET policy = excluded.policy, alias = excluded.alias`,
		row.Node.Did().String(), row.Policy, row.Alias)
	if err != nil {
		return storageErr("set follow policy", err)
	}
	return nil
}

// FollowPolicy reads the follow policy for a node.
func (d *DB) FollowPolicy(node nid.PublicKey) (FollowPolicyRow, error) {
	row := FollowPolicyRow{Node: node}
	err := d.sql.QueryRow(`SELECT policy, alias FROM follow_policies WHERE nid = ?`, node.Did().String()).
		Scan(&row.Policy, &row.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return FollowPolicyRow{}, ErrNoPolicy
	}
	if err != nil {
		return FollowPolicyRow{}, storageErr("read follow policy", err)
	}
	return row, nil
}

// FollowPolicies lists all stored follow policies, sorted by DID.
func (d *DB) FollowPolicies() ([]FollowPolicyRow, error) {
	rows, err := d.sql.Query(`SELECT nid, policy, alias FROM follow_policies ORDER BY nid ASC`)
	if err != nil {
		return nil, storageErr("list follow policies", err)
	}
	defer rows.Close()

	var out []FollowPolicyRow
	for rows.Next() {
		var did string
		var row FollowPolicyRow
		if err := rows.Scan(&did, &row.Policy, &row.Alias); err != nil {
			return nil, storageErr("scan follow policy", err)
		}
		parsed, parseErr := nid.DecodeDid(did)
		if parseErr != nil {
			continue
		}
		row.Node = parsed.AsKey()
		out = append(out, row)
	}
	return out, rows.Err()
}

// RemoveFollowPolicy drops the stored policy for a node.
func (d *DB) RemoveFollowPolicy(node nid.PublicKey) error {
	_, err := d.sql.Exec(`DELETE FROM follow_policies WHERE nid = ?`, node.Did().String())
	if err != nil {
		return storageErr("remove follow policy", err)
	}
	return nil
}
