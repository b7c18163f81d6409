// Package fetch implements the three-phase replication protocol:
// repository handshake, reference listing, and packfile transfer,
// followed by transactional verification and application of the
// resulting reference updates.
package fetch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/wire"
)

// Message tags, one byte each, in protocol order.
const (
	msgHandshake    byte = 1
	msgHandshakeAck byte = 2
	msgLsRefs       byte = 3
	msgRefAd        byte = 4
	msgWants        byte = 5
	msgPackChunk    byte = 6
	msgPackDone     byte = 7
	msgError        byte = 8
)

// Handshake opens a fetch exchange: the repository wanted and a bloom
// summary of the requester's current tips. The server reads only the
// RID; the summary is carried on the wire but not consulted, so the
// advertisement is the same whatever the requester already holds.
type Handshake struct {
	RID identity.RID
	// TipSummary is a serialized bloom filter over the requester's
	// current reference tip oids.
	TipSummary []byte
}

// HandshakeAck answers a handshake.
type HandshakeAck struct {
	// Seeding reports whether the server replicates the repository at
	// all; false short-circuits the exchange.
	Seeding bool
}

// LsRefs requests a reference advertisement restricted to the given
// name prefixes. An empty prefix list means "refs/namespaces/", the
// unrestricted scope.
type LsRefs struct {
	Prefixes []string
}

// RefAd is one advertised reference.
type RefAd struct {
	Name string
	OID  plumbing.Hash
}

// Wants is the requester's object want/have lists for the packfile
// phase.
type Wants struct {
	Want []plumbing.Hash
	Have []plumbing.Hash
}

func encodeString(buf *bytes.Buffer, s string) {
	_ = wire.PutUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func decodeString(r *bytes.Reader) (string, error) {
	n, err := wire.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining payload", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return string(out), nil
}

func encodeHash(buf *bytes.Buffer, h plumbing.Hash) {
	buf.Write(h[:])
}

func decodeHash(r *bytes.Reader) (plumbing.Hash, error) {
	var h plumbing.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return plumbing.ZeroHash, err
	}
	return h, nil
}

// EncodeHandshake serializes a handshake message.
func EncodeHandshake(h Handshake) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgHandshake)
	digest := hash.Digest(h.RID)
	buf.Write(digest[:])
	_ = wire.PutUvarint(&buf, uint64(len(h.TipSummary)))
	buf.Write(h.TipSummary)
	return buf.Bytes()
}

// EncodeHandshakeAck serializes a handshake acknowledgement.
func EncodeHandshakeAck(a HandshakeAck) []byte {
	seeding := byte(0)
	if a.Seeding {
		seeding = 1
	}
	return []byte{msgHandshakeAck, seeding}
}

// EncodeLsRefs serializes a reference-listing request.
func EncodeLsRefs(l LsRefs) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgLsRefs)
	_ = wire.PutUvarint(&buf, uint64(len(l.Prefixes)))
	for _, p := range l.Prefixes {
		encodeString(&buf, p)
	}
	return buf.Bytes()
}

// EncodeRefAd serializes a reference advertisement.
func EncodeRefAd(ads []RefAd) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgRefAd)
	_ = wire.PutUvarint(&buf, uint64(len(ads)))
	for _, ad := range ads {
		encodeString(&buf, ad.Name)
		encodeHash(&buf, ad.OID)
	}
	return buf.Bytes()
}

// EncodeWants serializes the want/have lists.
func EncodeWants(w Wants) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgWants)
	_ = wire.PutUvarint(&buf, uint64(len(w.Want)))
	for _, h := range w.Want {
		encodeHash(&buf, h)
	}
	_ = wire.PutUvarint(&buf, uint64(len(w.Have)))
	for _, h := range w.Have {
		encodeHash(&buf, h)
	}
	return buf.Bytes()
}

// EncodePackChunk frames a slice of packfile bytes.
func EncodePackChunk(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk)+1)
	out = append(out, msgPackChunk)
	return append(out, chunk...)
}

// EncodePackDone marks the end of the packfile phase.
func EncodePackDone() []byte {
	return []byte{msgPackDone}
}

// EncodeError serializes a protocol-level refusal.
func EncodeError(kind, message string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgError)
	encodeString(&buf, kind)
	encodeString(&buf, message)
	return buf.Bytes()
}

// Decoded is a union of the protocol's message types; exactly one field
// (or Pack/Done/Err) is set depending on Tag.
type Decoded struct {
	Tag       byte
	Handshake Handshake
	Ack       HandshakeAck
	LsRefs    LsRefs
	RefAds    []RefAd
	Wants     Wants
	Pack      []byte
	ErrKind   string
	ErrMsg    string
}

// DecodeMessage parses one protocol message.
func DecodeMessage(raw []byte) (*Decoded, error) {
	if len(raw) == 0 {
		return nil, errs.New(errs.ProtocolError, "empty fetch message")
	}
	d := &Decoded{Tag: raw[0]}
	r := bytes.NewReader(raw[1:])
	var err error
	switch d.Tag {
	case msgHandshake:
		var digest hash.Digest
		if _, err = io.ReadFull(r, digest[:]); err != nil {
			break
		}
		d.Handshake.RID = identity.RID(digest)
		var n uint64
		if n, err = wire.ReadUvarint(r); err != nil {
			break
		}
		if n > uint64(r.Len()) {
			err = fmt.Errorf("summary length %d exceeds payload", n)
			break
		}
		d.Handshake.TipSummary = make([]byte, n)
		_, err = io.ReadFull(r, d.Handshake.TipSummary)
	case msgHandshakeAck:
		var b byte
		if b, err = r.ReadByte(); err != nil {
			break
		}
		d.Ack.Seeding = b == 1
	case msgLsRefs:
		var n uint64
		if n, err = wire.ReadUvarint(r); err != nil {
			break
		}
		for i := uint64(0); i < n; i++ {
			var p string
			if p, err = decodeString(r); err != nil {
				break
			}
			d.LsRefs.Prefixes = append(d.LsRefs.Prefixes, p)
		}
	case msgRefAd:
		var n uint64
		if n, err = wire.ReadUvarint(r); err != nil {
			break
		}
		for i := uint64(0); i < n; i++ {
			var ad RefAd
			if ad.Name, err = decodeString(r); err != nil {
				break
			}
			if ad.OID, err = decodeHash(r); err != nil {
				break
			}
			d.RefAds = append(d.RefAds, ad)
		}
	case msgWants:
		var n uint64
		if n, err = wire.ReadUvarint(r); err != nil {
			break
		}
		for i := uint64(0); i < n; i++ {
			var h plumbing.Hash
			if h, err = decodeHash(r); err != nil {
				break
			}
			d.Wants.Want = append(d.Wants.Want, h)
		}
		if err != nil {
			break
		}
		if n, err = wire.ReadUvarint(r); err != nil {
			break
		}
		for i := uint64(0); i < n; i++ {
			var h plumbing.Hash
			if h, err = decodeHash(r); err != nil {
				break
			}
			d.Wants.Have = append(d.Wants.Have, h)
		}
	case msgPackChunk:
		d.Pack = raw[1:]
	case msgPackDone:
	case msgError:
		if d.ErrKind, err = decodeString(r); err != nil {
			break
		}
		d.ErrMsg, err = decodeString(r)
	default:
		err = fmt.Errorf("unknown message tag %d", d.Tag)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "malformed fetch message", err)
	}
	return d, nil
}
