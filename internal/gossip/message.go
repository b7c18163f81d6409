// Package gossip implements the announcement protocol: node, inventory,
// and refs announcements signed by their origin, propagated through
// bloom-filter subscriptions with anti-entropy replay and bounded relay.
package gossip

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/wire"
)

// Announcement kinds.
const (
	KindNode      = "node"
	KindInventory = "inventory"
	KindRefs      = "refs"
)

// InventoryCap bounds the number of repository ids one inventory
// announcement may carry.
const InventoryCap = 2_500

// RefsCap bounds the (node, sigrefs) pairs in one refs announcement.
const RefsCap = 256

// Version is the node software version stamped into announcements; the
// build overrides it through the linker.
var Version = "0.1.0"

// UserAgent is the string this node advertises in node announcements.
var UserAgent = "/hearth:" + Version + "/"

// NodePayload is the content of a node announcement.
type NodePayload struct {
	Addresses []string
	Features  nid.Features
	Alias     string
	UserAgent string
	// Nonce makes the announcement's proof-of-work adjustable without
	// touching any meaningful field.
	Nonce uint64
}

// InventoryPayload lists repositories the origin seeds.
type InventoryPayload struct {
	RIDs []identity.RID
}

// RefsPayload advertises advanced sigrefs for one repository.
type RefsPayload struct {
	RID identity.RID
	// Remotes pairs each remote namespace with its new sigrefs commit.
	Remotes []RefsRemote
}

// RefsRemote is one advanced remote view.
type RefsRemote struct {
	Node    nid.PublicKey
	Sigrefs plumbing.Hash
}

// Announcement is a signed, timestamped gossip message from one origin.
type Announcement struct {
	Kind      string
	Origin    nid.PublicKey
	Timestamp time.Time

	Node      *NodePayload
	Inventory *InventoryPayload
	Refs      *RefsPayload

	Signature []byte
}

// kind tags on the wire.
const (
	tagNode      byte = 1
	tagInventory byte = 2
	tagRefs      byte = 3
)

func kindTag(kind string) (byte, error) {
	switch kind {
	case KindNode:
		return tagNode, nil
	case KindInventory:
		return tagInventory, nil
	case KindRefs:
		return tagRefs, nil
	}
	return 0, errs.New(errs.ProtocolError, fmt.Sprintf("unknown announcement kind %q", kind))
}

// signable serializes everything except the signature, the byte string
// the origin signs and receivers verify.
func (a *Announcement) signable() ([]byte, error) {
	tag, err := kindTag(a.Kind)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(tag)
	buf.Write(a.Origin.Bytes())
	_ = wire.PutUvarint(&buf, uint64(a.Timestamp.UnixMilli()))

	switch tag {
	case tagNode:
		p := a.Node
		_ = wire.PutUvarint(&buf, uint64(p.Features))
		writeString(&buf, p.Alias)
		writeString(&buf, p.UserAgent)
		_ = wire.PutUvarint(&buf, uint64(len(p.Addresses)))
		for _, addr := range p.Addresses {
			writeString(&buf, addr)
		}
		_ = wire.PutUvarint(&buf, p.Nonce)
	case tagInventory:
		p := a.Inventory
		if len(p.RIDs) > InventoryCap {
			return nil, errs.New(errs.InputError, fmt.Sprintf("inventory exceeds cap (%d > %d)", len(p.RIDs), InventoryCap))
		}
		_ = wire.PutUvarint(&buf, uint64(len(p.RIDs)))
		for _, rid := range p.RIDs {
			digest := hash.Digest(rid)
			buf.Write(digest[:])
		}
	case tagRefs:
		p := a.Refs
		if len(p.Remotes) > RefsCap {
			return nil, errs.New(errs.InputError, fmt.Sprintf("refs announcement exceeds cap (%d > %d)", len(p.Remotes), RefsCap))
		}
		digest := hash.Digest(p.RID)
		buf.Write(digest[:])
		_ = wire.PutUvarint(&buf, uint64(len(p.Remotes)))
		for _, remote := range p.Remotes {
			buf.Write(remote.Node.Bytes())
			buf.Write(remote.Sigrefs[:])
		}
	}
	return buf.Bytes(), nil
}

// Sign stamps the announcement with the signer's identity and signature.
func (a *Announcement) Sign(signer nid.Signer) error {
	a.Origin = signer.PublicKey()
	payload, err := a.signable()
	if err != nil {
		return err
	}
	a.Signature, err = signer.Sign(payload)
	return err
}

// Verify checks the signature against the origin.
func (a *Announcement) Verify() bool {
	payload, err := a.signable()
	if err != nil {
		return false
	}
	return a.Origin.Verify(payload, a.Signature)
}

// Encode serializes the signed announcement.
func (a *Announcement) Encode() ([]byte, error) {
	payload, err := a.signable()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	_ = wire.PutUvarint(&buf, uint64(len(payload)))
	buf.Write(payload)
	_ = wire.PutUvarint(&buf, uint64(len(a.Signature)))
	buf.Write(a.Signature)
	return buf.Bytes(), nil
}

// MessageID is the digest of the full encoded announcement, the relay
// deduplication key.
func (a *Announcement) MessageID() (string, error) {
	encoded, err := a.Encode()
	if err != nil {
		return "", err
	}
	return hash.New(encoded).Encode(), nil
}

// DecodeAnnouncement parses a signed announcement.
func DecodeAnnouncement(raw []byte) (*Announcement, error) {
	r := bytes.NewReader(raw)
	payloadLen, err := wire.ReadUvarint(r)
	if err != nil || payloadLen > uint64(r.Len()) {
		return nil, errs.New(errs.ProtocolError, "malformed announcement envelope")
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement envelope", err)
	}
	sigLen, err := wire.ReadUvarint(r)
	if err != nil || sigLen > uint64(r.Len()) {
		return nil, errs.New(errs.ProtocolError, "malformed announcement envelope")
	}
	signature := make([]byte, sigLen)
	if _, err := io.ReadFull(r, signature); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement envelope", err)
	}

	a, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	a.Signature = signature
	return a, nil
}

func decodePayload(payload []byte) (*Announcement, error) {
	r := bytes.NewReader(payload)
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement", err)
	}
	var origin [32]byte
	if _, err := io.ReadFull(r, origin[:]); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement", err)
	}
	key, err := nid.NewPublicKey(origin[:])
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement origin", err)
	}
	ts, err := wire.ReadUvarint(r)
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed announcement timestamp", err)
	}

	a := &Announcement{Origin: key, Timestamp: time.UnixMilli(int64(ts))}
	switch tag {
	case tagNode:
		a.Kind = KindNode
		p := &NodePayload{}
		features, uErr := wire.ReadUvarint(r)
		if uErr != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", uErr)
		}
		p.Features = nid.Features(features)
		if p.Alias, err = readString(r); err != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", err)
		}
		if p.UserAgent, err = readString(r); err != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", err)
		}
		count, uErr := wire.ReadUvarint(r)
		if uErr != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", uErr)
		}
		for i := uint64(0); i < count; i++ {
			addr, sErr := readString(r)
			if sErr != nil {
				return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", sErr)
			}
			p.Addresses = append(p.Addresses, addr)
		}
		if p.Nonce, err = wire.ReadUvarint(r); err != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed node announcement", err)
		}
		a.Node = p
	case tagInventory:
		a.Kind = KindInventory
		count, uErr := wire.ReadUvarint(r)
		if uErr != nil || count > InventoryCap {
			return nil, errs.New(errs.ProtocolError, "malformed inventory announcement")
		}
		p := &InventoryPayload{}
		for i := uint64(0); i < count; i++ {
			var digest hash.Digest
			if _, err := io.ReadFull(r, digest[:]); err != nil {
				return nil, errs.Wrap(errs.ProtocolError, "malformed inventory announcement", err)
			}
			p.RIDs = append(p.RIDs, identity.RID(digest))
		}
		a.Inventory = p
	case tagRefs:
		a.Kind = KindRefs
		p := &RefsPayload{}
		var digest hash.Digest
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, errs.Wrap(errs.ProtocolError, "malformed refs announcement", err)
		}
		p.RID = identity.RID(digest)
		count, uErr := wire.ReadUvarint(r)
		if uErr != nil || count > RefsCap {
			return nil, errs.New(errs.ProtocolError, "malformed refs announcement")
		}
		for i := uint64(0); i < count; i++ {
			var raw [32]byte
			if _, err := io.ReadFull(r, raw[:]); err != nil {
				return nil, errs.Wrap(errs.ProtocolError, "malformed refs announcement", err)
			}
			node, kErr := nid.NewPublicKey(raw[:])
			if kErr != nil {
				return nil, errs.Wrap(errs.ProtocolError, "malformed refs announcement", kErr)
			}
			var oid plumbing.Hash
			if _, err := io.ReadFull(r, oid[:]); err != nil {
				return nil, errs.Wrap(errs.ProtocolError, "malformed refs announcement", err)
			}
			p.Remotes = append(p.Remotes, RefsRemote{Node: node, Sigrefs: oid})
		}
		a.Refs = p
	default:
		return nil, errs.New(errs.ProtocolError, fmt.Sprintf("unknown announcement tag %d", tag))
	}
	return a, nil
}

// Subjects returns the identifiers a subscription filter is matched
// against: the origin for node announcements, each repository id for
// inventory/refs.
func (a *Announcement) Subjects() [][]byte {
	switch a.Kind {
	case KindNode:
		return [][]byte{a.Origin.Bytes()}
	case KindInventory:
		out := make([][]byte, len(a.Inventory.RIDs))
		for i, rid := range a.Inventory.RIDs {
			digest := hash.Digest(rid)
			out[i] = digest[:]
		}
		return out
	case KindRefs:
		digest := hash.Digest(a.Refs.RID)
		return [][]byte{digest[:]}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = wire.PutUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := wire.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds payload", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return string(out), nil
}
