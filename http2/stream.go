package http2

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2/hpack"
)

// streamState is the per-stream state machine of spec.md §4.3.
type streamState int32

const (
	stateOpen streamState = iota
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

// bodySource is the bounded, byte-weighted inbound channel spec.md §3/§9
// describes: a body source/sink pair with capacity measured in bytes, not
// items, so buffer-capacity matches the spec's request-buffer-size.
type bodySource struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    [][]byte
	size     int
	capacity int
	closed   bool
	closeErr error
}

func newBodySource(capacity int) *bodySource {
	s := &bodySource{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// put enqueues p, blocking while the source is over capacity (spec.md
// §4.4 backpressure: "when full, inbound reads pause"). Returns false if
// the source was already closed.
func (s *bodySource) put(ctx context.Context, p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.size >= s.capacity && !s.closed {
		if ctx.Err() != nil {
			return false
		}
		s.cond.Wait()
	}
	if s.closed {
		return false
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.items = append(s.items, cp)
	s.size += len(cp)
	s.cond.Broadcast()
	return true
}

// Close ends the source. err, if non-nil, is returned by future Read
// calls once the buffered items are drained; otherwise io.EOF is
// returned, matching a clean end-of-stream.
func (s *bodySource) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	s.cond.Broadcast()
}

// Read implements io.Reader over the buffered chunks, so a *bodySource
// can be handed to callers expecting a plain reader.
func (s *bodySource) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.items) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.items) == 0 {
		s.mu.Unlock()
		if s.closeErr != nil {
			return 0, s.closeErr
		}
		return 0, io.EOF
	}
	n := copy(p, s.items[0])
	if n == len(s.items[0]) {
		s.items = s.items[1:]
	} else {
		s.items[0] = s.items[0][n:]
	}
	s.size -= n
	s.cond.Broadcast()
	s.mu.Unlock()
	return n, nil
}

// StreamChannel is the per-stream state machine of spec.md §3/§4.3: a
// stream id, a one-way writable flag, a nullable last-exception slot, an
// outbound frame path through Conn, and an inbound bounded body source.
type StreamChannel struct {
	id       uint32
	conn     *Conn
	tlsConn  bool
	raw      bool // Settings.RawStream; recorded only, inbound DATA is always copied
	state    atomic.Int32
	writable atomic.Bool

	lastErr atomic.Pointer[streamErrBox]

	in *bodySource

	// client is non-nil only for client-initiated streams; it carries
	// the response promise the Client Stream Handler fulfills.
	client *clientExt

	headersSent atomic.Bool
	localEnded  atomic.Bool
	remoteEnded atomic.Bool

	closeOnce sync.Once
}

type streamErrBox struct{ err error }

func newStreamChannel(conn *Conn, id uint32, requestBufferSize int, raw bool) *StreamChannel {
	sc := &StreamChannel{
		id:   id,
		conn: conn,
		raw:  raw,
		in:   newBodySource(requestBufferSize),
	}
	sc.state.Store(int32(stateOpen))
	sc.writable.Store(true)
	if conn != nil {
		sc.tlsConn = conn.isTLS
	}
	return sc
}

// ID returns the stream identifier (spec.md §3: positive, monotonic
// within a connection).
func (sc *StreamChannel) ID() uint32 { return sc.id }

// Writable reports whether local HEADERS/DATA may still be emitted
// (spec.md §3 invariant: true→false one-way transition).
func (sc *StreamChannel) Writable() bool { return sc.writable.Load() }

// LastError returns the most recently recorded StreamException or
// ConnectionException affecting this stream, or nil.
func (sc *StreamChannel) LastError() error {
	if box := sc.lastErr.Load(); box != nil {
		return box.err
	}
	return nil
}

func (sc *StreamChannel) setLastError(err error) {
	sc.lastErr.Store(&streamErrBox{err: err})
}

// markUnwritable flips writable to false. It is a one-way transition: once
// false, it never becomes true again (spec.md §3).
func (sc *StreamChannel) markUnwritable() {
	sc.writable.Store(false)
}

// onLocalEndStream records that the local side sent END_STREAM and
// advances the state machine (spec.md §4.3).
func (sc *StreamChannel) onLocalEndStream() {
	sc.localEnded.Store(true)
	sc.markUnwritable()
	sc.advance()
}

// onRemoteEndStream records inbound END_STREAM: closes the inbound body
// source cleanly (spec.md §4.3, §8 invariant).
func (sc *StreamChannel) onRemoteEndStream() {
	sc.remoteEnded.Store(true)
	sc.in.Close(nil)
	sc.advance()
}

// onReset handles an inbound RST_STREAM: writable goes false, the
// inbound source closes with the resulting StreamException recorded
// (spec.md §4.3).
func (sc *StreamChannel) onReset(code ErrCode) {
	sc.markUnwritable()
	err := NewStreamError(sc.id, code)
	sc.setLastError(err)
	sc.in.Close(err)
	sc.state.Store(int32(stateClosed))
	sc.deliverResponse(nil, err)
}

// onGoAway handles a connection-wide GOAWAY affecting this stream
// (spec.md §4.3): writable goes false and the inbound source closes with
// a ConnectionException.
func (sc *StreamChannel) onGoAway(code ErrCode) *ConnectionException {
	sc.markUnwritable()
	err := &ConnectionException{Code: code, Hint: HardShutdown}
	sc.setLastError(err)
	sc.in.Close(err)
	sc.deliverResponse(nil, err)
	return err
}

func (sc *StreamChannel) advance() {
	switch streamState(sc.state.Load()) {
	case stateOpen:
		switch {
		case sc.localEnded.Load() && sc.remoteEnded.Load():
			sc.state.Store(int32(stateClosed))
		case sc.localEnded.Load():
			sc.state.Store(int32(stateHalfClosedLocal))
		case sc.remoteEnded.Load():
			sc.state.Store(int32(stateHalfClosedRemote))
		}
	case stateHalfClosedLocal:
		if sc.remoteEnded.Load() {
			sc.state.Store(int32(stateClosed))
		}
	case stateHalfClosedRemote:
		if sc.localEnded.Load() {
			sc.state.Store(int32(stateClosed))
		}
	}
}

// State returns the current state for tests/diagnostics.
func (sc *StreamChannel) State() string {
	switch streamState(sc.state.Load()) {
	case stateOpen:
		return "OPEN"
	case stateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case stateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	default:
		return "CLOSED"
	}
}

// Close releases outbound resources, emits RST_STREAM(CANCEL) if the
// stream is still open, and closes the inbound body source (spec.md §5
// cancellation semantics).
func (sc *StreamChannel) Close() {
	sc.closeOnce.Do(func() {
		stillOpen := streamState(sc.state.Load()) != stateClosed
		sc.markUnwritable()
		sc.in.Close(NewStreamError(sc.id, ErrCodeCancel))
		sc.state.Store(int32(stateClosed))
		if stillOpen && sc.conn != nil {
			_ = sc.conn.writeRSTStream(sc.id, ErrCodeCancel)
		}
	})
}

// frameSink implementation -- these write through sc.conn on the calling
// goroutine; Conn.writeMu serializes them with every other wire write.

func (sc *StreamChannel) streamID() uint32 { return sc.id }
func (sc *StreamChannel) isTLS() bool      { return sc.tlsConn }

func (sc *StreamChannel) writeHeaders(fields []hpack.HeaderField, endStream bool) error {
	if !sc.Writable() {
		return NewStreamError(sc.id, ErrCodeStreamClosed)
	}
	err := sc.conn.sendHeaders(sc.id, fields, endStream)
	if err != nil {
		sc.markUnwritable()
		return err
	}
	sc.headersSent.Store(true)
	if endStream {
		sc.onLocalEndStream()
	}
	return nil
}

func (sc *StreamChannel) writeData(p []byte, endStream bool) error {
	if !sc.Writable() {
		return NewStreamError(sc.id, ErrCodeStreamClosed)
	}
	err := sc.conn.sendData(sc.id, p, endStream)
	if err != nil {
		sc.markUnwritable()
		return err
	}
	if endStream {
		sc.onLocalEndStream()
	}
	return nil
}

func (sc *StreamChannel) writeFileRegion(f *os.File, offset, length int64) error {
	if !sc.Writable() {
		return NewStreamError(sc.id, ErrCodeStreamClosed)
	}
	err := sc.conn.sendFileRegion(sc.id, f, offset, length)
	if err != nil {
		sc.markUnwritable()
		return err
	}
	sc.onLocalEndStream()
	return nil
}

func (sc *StreamChannel) abort(code ErrCode, cause error) error {
	sc.markUnwritable()
	sc.setLastError(&StreamException{StreamID: sc.id, Code: code, Cause: cause})
	return sc.conn.writeRSTStream(sc.id, code)
}
