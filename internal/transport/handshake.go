// Package transport provides authenticated, encrypted, multiplexed
// sessions between nodes addressed by NID: an X25519 handshake with
// mutual Ed25519 proof over the transcript, ChaCha20-Poly1305 framing,
// and credit-window flow control per stream.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/nid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ProtocolVersion is the single-byte wire protocol version exchanged in
// the handshake hello; a mismatch aborts the session before any key
// material is derived.
const ProtocolVersion byte = 1

// helloSize is the fixed length of the first handshake flight:
// version, ephemeral X25519 key, nonce, static Ed25519 key.
const helloSize = 1 + 32 + 32 + 32

type hello struct {
	version byte
	eph     [32]byte
	nonce   [32]byte
	static  [32]byte
}

func (h *hello) encode() []byte {
	out := make([]byte, 0, helloSize)
	out = append(out, h.version)
	out = append(out, h.eph[:]...)
	out = append(out, h.nonce[:]...)
	out = append(out, h.static[:]...)
	return out
}

func decodeHello(raw []byte) (*hello, error) {
	if len(raw) != helloSize {
		return nil, errs.New(errs.ProtocolError, fmt.Sprintf("handshake hello has %d bytes, want %d", len(raw), helloSize))
	}
	h := &hello{version: raw[0]}
	copy(h.eph[:], raw[1:33])
	copy(h.nonce[:], raw[33:65])
	copy(h.static[:], raw[65:97])
	return h, nil
}

// Handshake performs the mutual challenge-response: both sides exchange
// hellos, derive a shared secret by X25519, bind it to a transcript hash
// over both hellos, and prove possession of their static keys by signing
// the transcript. Returns the encrypted connection and the verified peer
// identity.
func Handshake(rw io.ReadWriter, signer nid.Signer, initiator bool) (*SecureConn, error) {
	var ephPriv, ephPub [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, errs.Wrap(errs.NetworkError, "handshake entropy", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	local := &hello{version: ProtocolVersion, eph: ephPub}
	if _, err := rand.Read(local.nonce[:]); err != nil {
		return nil, errs.Wrap(errs.NetworkError, "handshake entropy", err)
	}
	copy(local.static[:], signer.PublicKey().Bytes())

	var remote *hello
	var err error
	if initiator {
		if err = writeRecord(rw, local.encode()); err != nil {
			return nil, err
		}
		remote, err = readHello(rw)
	} else {
		remote, err = readHello(rw)
		if err == nil {
			err = writeRecord(rw, local.encode())
		}
	}
	if err != nil {
		return nil, err
	}
	if remote.version != ProtocolVersion {
		return nil, errs.New(errs.ProtocolError, fmt.Sprintf("protocol version mismatch: peer speaks %d, we speak %d", remote.version, ProtocolVersion))
	}

	shared, err := curve25519.X25519(ephPriv[:], remote.eph[:])
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "diffie-hellman", err)
	}

	// Transcript binds both public keys and both fresh nonces, in
	// initiator-then-responder order so the two sides agree on it.
	initHello, respHello := local, remote
	if !initiator {
		initHello, respHello = remote, local
	}
	transcript := transcriptHash(initHello, respHello)

	sendKey := deriveKey(shared, transcript, roleLabel(initiator))
	recvKey := deriveKey(shared, transcript, roleLabel(!initiator))
	conn, err := newSecureConn(rw, sendKey, recvKey)
	if err != nil {
		return nil, err
	}

	// Challenge-response: each side sends its transcript signature over
	// the now-encrypted channel; decryption failure or a bad signature
	// both mean the peer does not hold the key it claimed.
	sig, err := signer.Sign(transcript)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "sign transcript", err)
	}
	var peerSig []byte
	if initiator {
		if err = conn.writeSealed(sig); err != nil {
			return nil, err
		}
		peerSig, err = conn.readSealed()
	} else {
		peerSig, err = conn.readSealed()
		if err == nil {
			err = conn.writeSealed(sig)
		}
	}
	if err != nil {
		return nil, err
	}
	peer, err := nid.NewPublicKey(remote.static[:])
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "peer static key", err)
	}
	if !peer.Verify(transcript, peerSig) {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("handshake proof does not verify against %s", peer.Did()))
	}
	conn.peer = peer
	return conn, nil
}

func roleLabel(initiator bool) string {
	if initiator {
		return "hearth-initiator"
	}
	return "hearth-responder"
}

func transcriptHash(init, resp *hello) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{ProtocolVersion})
	h.Write(init.eph[:])
	h.Write(resp.eph[:])
	h.Write(init.nonce[:])
	h.Write(resp.nonce[:])
	h.Write(init.static[:])
	h.Write(resp.static[:])
	return h.Sum(nil)
}

func deriveKey(shared, transcript []byte, label string) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(shared)
	h.Write(transcript)
	h.Write([]byte(label))
	return h.Sum(nil)
}

func readHello(r io.Reader) (*hello, error) {
	raw, err := readRecord(r)
	if err != nil {
		return nil, err
	}
	return decodeHello(raw)
}

// Records on the raw connection are 4-byte big-endian length prefixed.
const maxRecord = 17 << 20 // one wire frame plus AEAD overhead

func writeRecord(w io.Writer, payload []byte) error {
	if len(payload) > maxRecord {
		return errs.New(errs.ProtocolError, "record too large")
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errs.Wrap(errs.NetworkError, "write record", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.NetworkError, "write record", err)
	}
	return nil
}

func readRecord(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errs.Wrap(errs.NetworkError, "read record", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxRecord {
		return nil, errs.New(errs.ProtocolError, fmt.Sprintf("record claims %d bytes", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.NetworkError, "read record", err)
	}
	return payload, nil
}

// SecureConn is an authenticated-encrypted record layer over a raw
// connection: every record is a ChaCha20-Poly1305 box under a
// per-direction key and counter nonce.
type SecureConn struct {
	rw   io.ReadWriter
	peer nid.PublicKey

	sendAEAD, recvAEAD interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	sendCounter, recvCounter uint64
}

func newSecureConn(rw io.ReadWriter, sendKey, recvKey []byte) (*SecureConn, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "session cipher", err)
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "session cipher", err)
	}
	return &SecureConn{rw: rw, sendAEAD: send, recvAEAD: recv}, nil
}

// Peer returns the verified remote identity.
func (c *SecureConn) Peer() nid.PublicKey {
	return c.peer
}

func counterNonce(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

func (c *SecureConn) writeSealed(plaintext []byte) error {
	nonce := counterNonce(c.sendCounter, c.sendAEAD.NonceSize())
	c.sendCounter++
	return writeRecord(c.rw, c.sendAEAD.Seal(nil, nonce, plaintext, nil))
}

func (c *SecureConn) readSealed() ([]byte, error) {
	box, err := readRecord(c.rw)
	if err != nil {
		return nil, err
	}
	nonce := counterNonce(c.recvCounter, c.recvAEAD.NonceSize())
	c.recvCounter++
	plaintext, err := c.recvAEAD.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "record decryption failed", err)
	}
	return plaintext, nil
}
