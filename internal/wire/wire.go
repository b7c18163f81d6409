// Package wire implements the length-delimited binary framing used on
// every transport session stream: a fixed-width stream id and payload
// length header followed by the payload itself. Higher layers (gossip
// messages, fetch protocol negotiation) encode their own payloads with
// encoding/binary and hand the resulting bytes to Frame.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame's payload to guard against a
// misbehaving or malicious peer claiming an unbounded length and
// exhausting memory before the payload is even read.
const MaxFrameSize = 16 << 20 // 16 MiB

// headerSize is the encoded size of a Frame's StreamID + Length fields:
// two big-endian uint32s.
const headerSize = 4 + 4

// Frame is the unit of multiplexing on a session: every message written
// to the wire belongs to some StreamID (stream 0 is reserved for gossip
// control traffic; internal/transport allocates the rest per fetch/COB
// sync request).
type Frame struct {
	StreamID uint32
	Payload  []byte
}

// Encode writes a length-delimited frame to w.
func Encode(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("wire: payload too large (%d bytes, max %d)", len(f.Payload), MaxFrameSize)
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], f.StreamID)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Decode reads one length-delimited frame from r.
func Decode(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	streamID := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame claims %d bytes, exceeds max %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Frame{StreamID: streamID, Payload: payload}, nil
}

// Decoder incrementally decodes frames from a buffered stream, the way
// the upstream stream decoder accumulates partial reads until a full
// message is available rather than requiring the whole payload in one
// read call.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for incremental frame decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next blocks until the next complete frame is available, or returns the
// error that aborted the underlying stream (including io.EOF on a clean
// close).
func (d *Decoder) Next() (Frame, error) {
	return Decode(d.r)
}

// PutUvarint and ReadUvarint expose the variable-length integer encoding used
// for length and count fields in gossip and fetch protocol messages, where a
// fixed-width header would waste bytes on the common small-count case.
func PutUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// ReadUvarint reads a single varint-encoded uint64 from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}
