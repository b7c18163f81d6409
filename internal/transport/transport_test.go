package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair performs a full handshake over an in-memory pipe and returns both
// session halves, running.
func pair(t *testing.T) (*Session, *Session, context.CancelFunc) {
	t.Helper()
	alice, err := nid.Generate()
	require.NoError(t, err)
	bob, err := nid.Generate()
	require.NoError(t, err)

	left, right := net.Pipe()
	t.Cleanup(func() { left.Close(); right.Close() })

	type result struct {
		conn *SecureConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, hsErr := Handshake(right, bob, false)
		done <- result{conn, hsErr}
	}()
	aliceConn, err := Handshake(left, alice, true)
	require.NoError(t, err)
	bobSide := <-done
	require.NoError(t, bobSide.err)

	assert.True(t, aliceConn.Peer().Equal(bob.PublicKey()))
	assert.True(t, bobSide.conn.Peer().Equal(alice.PublicKey()))

	aliceSess := NewSession(aliceConn, true)
	bobSess := NewSession(bobSide.conn, false)

	ctx, cancel := context.WithCancel(context.Background())
	go aliceSess.Run(ctx)
	go bobSess.Run(ctx)
	return aliceSess, bobSess, cancel
}

func TestHandshakeMutualAuthentication(t *testing.T) {
	_, _, cancel := pair(t)
	cancel()
}

func TestGossipStreamRoundTrip(t *testing.T) {
	alice, bob, cancel := pair(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	require.NoError(t, alice.Gossip().Send(ctx, []byte("announce")))
	got, err := bob.Gossip().Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("announce"), got)
}

func TestGossipOrderingWithinStream(t *testing.T) {
	alice, bob, cancel := pair(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, alice.Gossip().Send(ctx, []byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := bob.Gossip().Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestDataStreamOpenAcceptClose(t *testing.T) {
	alice, bob, cancel := pair(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	st, err := alice.OpenStream()
	require.NoError(t, err)
	require.NoError(t, st.Send(ctx, []byte("ls-refs")))

	peerStream, err := bob.AcceptStream(ctx)
	require.NoError(t, err)
	got, err := peerStream.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ls-refs"), got)

	require.NoError(t, st.Close())
	_, err = peerStream.Receive(ctx)
	assert.Error(t, err, "closed stream ends with EOF")
}

func TestVersionMismatchAborts(t *testing.T) {
	alice, err := nid.Generate()
	require.NoError(t, err)

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		// A peer speaking a different protocol version.
		bogus := &hello{version: ProtocolVersion + 1}
		_, _ = readRecord(right)
		_ = writeRecord(right, bogus.encode())
	}()

	_, err = Handshake(left, alice, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")
}
