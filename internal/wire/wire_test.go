package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{StreamID: 7, Payload: []byte("hello")}
	require.NoError(t, Encode(&buf, f))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.StreamID, got.StreamID)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{StreamID: 0, Payload: nil}
	require.NoError(t, Encode(&buf, f))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.StreamID)
	assert.Len(t, got.Payload, 0)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{StreamID: 1, Payload: make([]byte, MaxFrameSize+1)}
	assert.Error(t, Encode(&buf, f))
}

func TestDecodeRejectsOversizedClaimedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff}) // length = 0xffffffff
	_, err := Decode(&buf)
	assert.Error(t, err)
}

func TestDecoderMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Frame{StreamID: 1, Payload: []byte("a")}))
	require.NoError(t, Encode(&buf, Frame{StreamID: 2, Payload: []byte("bb")}))

	dec := NewDecoder(&buf)
	f1, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f1.StreamID)

	f2, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f2.StreamID)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestUvarintRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PutUvarint(&buf, 1234567))

	r := bufioByteReader(&buf)
	got, err := ReadUvarint(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), got)
}

func bufioByteReader(b *bytes.Buffer) io.ByteReader {
	return b
}
