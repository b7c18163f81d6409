package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := New([]byte("hello hearth"))
	encoded := d.Encode()

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestNewIsDeterministic(t *testing.T) {
	a := New([]byte("same input"))
	b := New([]byte("same input"))
	assert.Equal(t, a, b)
}

func TestDifferentInputsDifferentDigests(t *testing.T) {
	a := New([]byte("input a"))
	b := New([]byte("input b"))
	assert.NotEqual(t, a, b)
}

func TestIsZero(t *testing.T) {
	var d Digest
	assert.True(t, d.IsZero())
	assert.False(t, New([]byte("x")).IsZero())
}

func TestLessIsTotalOrder(t *testing.T) {
	a := Digest{0x01}
	b := Digest{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode("z1")
	assert.Error(t, err)
}
