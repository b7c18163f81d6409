package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/wire"
)

// Reserved stream ids. Everything at or above firstDataStream is
// allocated on demand for fetch (and similar) exchanges; initiators take
// even ids and responders odd, so allocations never collide.
const (
	// GossipStream carries the session's gossip traffic, in order.
	GossipStream uint32 = 0
	// controlStream carries window updates.
	controlStream uint32 = 1

	firstDataStream uint32 = 2
)

// Session is a multiplexed, authenticated, encrypted connection to one
// peer. A single Run loop reads frames and dispatches them to streams;
// writers from any goroutine serialize on the write path.
type Session struct {
	// ID identifies the session in logs and keep markers.
	ID string

	conn      *SecureConn
	initiator bool

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool
	err     error

	// accepted delivers peer-opened data streams to AcceptStream.
	accepted chan *Stream
}

// NewSession wraps an authenticated connection. The gossip stream is
// open from the start on both sides.
func NewSession(conn *SecureConn, initiator bool) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		initiator: initiator,
		streams:   make(map[uint32]*Stream),
		accepted:  make(chan *Stream, 8),
	}
	s.nextID = firstDataStream
	if !initiator {
		s.nextID = firstDataStream + 1
	}
	s.streams[GossipStream] = s.newStream(GossipStream)
	return s
}

// Peer returns the authenticated remote identity.
func (s *Session) Peer() nid.PublicKey {
	return s.conn.Peer()
}

// Gossip returns the session's always-open gossip stream.
func (s *Session) Gossip() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[GossipStream]
}

// OpenStream allocates a fresh data stream.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New(errs.NetworkError, "session closed")
	}
	id := s.nextID
	s.nextID += 2
	st := s.newStream(id)
	s.streams[id] = st
	return st, nil
}

// AcceptStream blocks until the peer opens a data stream.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st, ok := <-s.accepted:
		if !ok {
			return nil, errs.New(errs.NetworkError, "session closed")
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run reads and dispatches frames until the connection fails or ctx is
// cancelled. It owns the receive side; callers run it in its own
// goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := s.conn.readSealed()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		frame, err := wire.Decode(bytes.NewReader(payload))
		if err != nil {
			return errs.Wrap(errs.ProtocolError, "malformed frame", err)
		}
		if frame.StreamID == controlStream {
			s.handleWindowUpdate(frame.Payload)
			continue
		}
		s.dispatch(ctx, frame)
	}
}

func (s *Session) dispatch(ctx context.Context, frame wire.Frame) {
	s.mu.Lock()
	st, ok := s.streams[frame.StreamID]
	if !ok && len(frame.Payload) > 0 && frame.StreamID >= firstDataStream && s.remoteAllocated(frame.StreamID) {
		st = s.newStream(frame.StreamID)
		s.streams[frame.StreamID] = st
		ok = true
		select {
		case s.accepted <- st:
		default:
			// Peer opened more streams than we are accepting; drop it
			// by closing immediately.
			st.closeRecv()
			ok = false
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if len(frame.Payload) == 0 {
		st.closeRecv()
		s.mu.Lock()
		if frame.StreamID != GossipStream {
			delete(s.streams, frame.StreamID)
		}
		s.mu.Unlock()
		return
	}
	select {
	case st.in <- frame.Payload:
	case <-ctx.Done():
	case <-st.recvClosed:
	}
}

// remoteAllocated reports whether a stream id belongs to the peer's
// allocation parity.
func (s *Session) remoteAllocated(id uint32) bool {
	remoteEven := !s.initiator // the initiator allocates even ids
	return (id%2 == 0) == remoteEven
}

func (s *Session) handleWindowUpdate(payload []byte) {
	if len(payload) != 8 {
		return
	}
	id := binary.BigEndian.Uint32(payload[0:4])
	credit := binary.BigEndian.Uint32(payload[4:8])
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if ok {
		st.send.release(int64(credit))
	}
}

// writeFrame serializes one frame onto the encrypted connection.
func (s *Session) writeFrame(frame wire.Frame) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, frame); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.writeSealed(buf.Bytes()); err != nil {
		return errs.Wrap(errs.NetworkError, "write frame", err)
	}
	return nil
}

// sendWindowUpdate grants the peer more credit on a stream.
func (s *Session) sendWindowUpdate(id uint32, credit uint32) error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], id)
	binary.BigEndian.PutUint32(payload[4:8], credit)
	return s.writeFrame(wire.Frame{StreamID: controlStream, Payload: payload})
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.closeRecv()
		st.send.abort()
	}
	close(s.accepted)
}

// Close tears the session down. The underlying net.Conn is the caller's
// to close; Close only unblocks stream users.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) newStream(id uint32) *Stream {
	return &Stream{
		id:         id,
		session:    s,
		in:         make(chan []byte, 16),
		recvClosed: make(chan struct{}),
		send:       newWindow(DefaultWindow),
	}
}

// Stream is one ordered byte-message channel within a session. Within a
// stream, delivery order matches send order; across streams nothing is
// guaranteed.
type Stream struct {
	id      uint32
	session *Session

	in         chan []byte
	recvClosed chan struct{}
	recvOnce   sync.Once
	closeOnce  sync.Once

	// send is the credit the peer has granted us on this stream.
	send *window
}

// ID returns the stream's id within its session.
func (st *Stream) ID() uint32 {
	return st.id
}

// Send writes one message to the stream, blocking while the peer's
// credit window for the stream is exhausted.
func (st *Stream) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errs.New(errs.InputError, "empty payload; use Close to end a stream")
	}
	if err := st.send.acquire(ctx, int64(len(payload))); err != nil {
		return errs.Wrap(errs.NetworkError, "stream window", err)
	}
	return st.session.writeFrame(wire.Frame{StreamID: st.id, Payload: payload})
}

// Receive reads the next message, granting the peer credit back once
// the message has been handed to the caller. Returns io.EOF after the
// peer ends the stream.
func (st *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-st.in:
		if !ok {
			return nil, io.EOF
		}
		// Replenish the peer's window for what we just consumed.
		_ = st.session.sendWindowUpdate(st.id, uint32(len(payload)))
		return payload, nil
	case <-st.recvClosed:
		// Drain anything raced in before the close.
		select {
		case payload, ok := <-st.in:
			if ok {
				return payload, nil
			}
		default:
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the stream by sending a zero-length frame. Aborting and
// finishing look identical on the wire; the receiver decides what a
// truncated exchange means.
func (st *Stream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		err = st.session.writeFrame(wire.Frame{StreamID: st.id})
	})
	return err
}

func (st *Stream) closeRecv() {
	st.recvOnce.Do(func() { close(st.recvClosed) })
}
