// Package session implements the session layer: the read-request queue
// and dispatch loop (C4/C5), the write-side batching pipeline (C6), and
// connect/accept/close lifecycle (C7). It is the async core spec.md §1
// calls the hard, educative part of the library.
//
// The implementation is grounded on github.com/xtaci/smux's stream.go and
// session.go (the mutex-guarded slice-queue idiom, the buffered-writer
// FIFO) and on kcp-go/v5's sess.go and bufferpool.go (the fixed
// session-capacity buffer, the package-level buffer pool), adapted from
// their blocking-goroutine style to the callback/predicate model spec.md
// §9 calls out as authoritative for this design.
package session

import (
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/gonetsess/cipher"
	"github.com/xtaci/gonetsess/internal/bufpool"
	"github.com/xtaci/gonetsess/internal/errs"
	"github.com/xtaci/gonetsess/packet"
)

// DefaultCapacity is the session read/write buffer size used when New is
// called with capacity <= 0, matching spec.md §3's stated default.
const DefaultCapacity = 8192

// Session is the C3-C7 owned TCP endpoint described in spec.md §3.
type Session struct {
	conn       net.Conn
	capacity   int
	bufHandle  *bufpool.Buffer
	connecting int32

	compression bool

	// read side — guarded by readMu (spec.md §5's "one monitor for the
	// read buffer / request queues").
	readMu                  sync.Mutex
	buf                     []byte
	unreadStart, unreadEnd  int
	queue                   requestQueue
	nested                  nestedStack
	inCallback              bool
	readInFlight            bool
	decrypt                 *cipher.Adapter

	// write side — guarded by writeMu (spec.md §5's second monitor).
	writeMu       sync.Mutex
	outbound      []*packet.Packet
	toFlush       []writeJob
	writeInFlight bool
	encrypt       *cipher.Adapter

	closing      int32
	handleClosed int32

	onConnect        listenerSet
	onPreDisconnect  listenerSet
	onPostDisconnect listenerSet
}

// New allocates a Session with the given read/write buffer capacity. The
// session owns no socket until Connect is called or it is produced by an
// acceptor.
func New(capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := bufpool.Take(capacity)
	return &Session{capacity: capacity, bufHandle: h, buf: h.Data}
}

// SetCompression toggles the optional connection-level snappy transform
// (SPEC_FULL.md §4.1). Call before Connect, or before handing the session
// to an acceptor's accept loop — it has no effect on an already-attached
// socket.
func (s *Session) SetCompression(enabled bool) {
	s.compression = enabled
}

// SetEncrypt installs the cipher adapter used to transform outbound
// buffers. It affects all subsequent writes; a write already queued for
// the kernel keeps whichever adapter was in effect when it was enqueued.
func (s *Session) SetEncrypt(a *cipher.Adapter) {
	s.writeMu.Lock()
	s.encrypt = a
	s.writeMu.Unlock()
}

// SetDecrypt installs the cipher adapter used to transform inbound
// slices before they reach a predicate.
func (s *Session) SetDecrypt(a *cipher.Adapter) {
	s.readMu.Lock()
	s.decrypt = a
	s.readMu.Unlock()
}

// OnConnect registers a listener fired once, synchronously, right after
// Connect/accept succeeds, in registration order.
func (s *Session) OnConnect(cb func(*Session)) { s.onConnect.add(cb) }

// OnPreDisconnect registers a listener fired at the start of Close,
// before the outbound queue is flushed.
func (s *Session) OnPreDisconnect(cb func(*Session)) { s.onPreDisconnect.add(cb) }

// OnPostDisconnect registers a listener fired once the kernel handle has
// fully closed.
func (s *Session) OnPostDisconnect(cb func(*Session)) { s.onPostDisconnect.add(cb) }

// Connect dials addr:port within timeout, sets the session socket
// options, and fires connect listeners on success. On timeout, onTimeout
// (if non-nil) runs before the session closes.
func (s *Session) Connect(addr string, port int, timeout time.Duration, onTimeout func(error)) error {
	if port < 0 || port > 65535 {
		return errors.Wrap(errs.ErrInvalidArgument, "session: port out of range")
	}
	if addr == "" {
		return errors.Wrap(errs.ErrInvalidArgument, "session: empty address")
	}
	if !atomic.CompareAndSwapInt32(&s.connecting, 0, 1) {
		return errors.WithStack(errs.ErrAlreadyConnected)
	}

	d := net.Dialer{Timeout: timeout}
	raw, err := d.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			if onTimeout != nil {
				onTimeout(err)
			}
			s.finalizeWithoutSocket()
			return errors.Wrap(errs.ErrConnectTimeout, err.Error())
		}
		s.finalizeWithoutSocket()
		return errors.Wrap(errs.ErrIoFailure, err.Error())
	}

	s.attach(raw)
	s.onConnect.fire(s)
	return nil
}

// attach applies the socket-option table from spec.md §6, optionally
// wraps the connection in the compression transform, and starts the
// session. Used by Connect and by the acceptor for accepted sockets.
func (s *Session) attach(raw net.Conn) {
	atomic.StoreInt32(&s.connecting, 1)
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetReadBuffer(s.capacity)
		_ = tcp.SetWriteBuffer(s.capacity)
	}
	var conn net.Conn = raw
	if s.compression {
		conn = newCompConn(raw)
	}
	s.conn = conn
}

// finalizeWithoutSocket marks a session closed when Connect never
// produced a live socket (refused, timed out), so bufpool resources are
// still released and double-Close remains safe.
func (s *Session) finalizeWithoutSocket() {
	if atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		atomic.StoreInt32(&s.handleClosed, 1)
		if s.bufHandle != nil {
			_ = bufpool.Give(s.bufHandle)
			s.bufHandle = nil
		}
	}
}

// Close performs the orderly shutdown from spec.md §4.6: pre-disconnect
// listeners, a final flush, a spin-wait (yielding between checks, with no
// time limit) for the in-flight write to drain, closing the kernel handle,
// then post-disconnect listeners. A
// second concurrent or later call returns nil immediately.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return nil
	}
	s.onPreDisconnect.fire(s)
	s.Flush()

	for {
		s.writeMu.Lock()
		inFlight := s.writeInFlight
		s.writeMu.Unlock()
		if !inFlight {
			break
		}
		runtime.Gosched()
	}

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	atomic.StoreInt32(&s.handleClosed, 1)
	s.onPostDisconnect.fire(s)

	if s.bufHandle != nil {
		_ = bufpool.Give(s.bufHandle)
		s.bufHandle = nil
	}
	return err
}

// closeAsync is invoked from the read and write completion paths on I/O
// failure, end-of-stream, or cipher failure. It funnels through the same
// CAS-guarded Close so post-disconnect listeners fire exactly once
// regardless of which side (reader or writer) detected the problem.
func (s *Session) closeAsync(_ error) {
	_ = s.Close()
}

// Attach finishes constructing a Session around an already-accepted
// net.Conn: applies the socket-option table, optionally layers the
// compression transform, and fires connect listeners. Exported so an
// acceptor can register per-session hooks (such as the post-disconnect
// removal from its connected set) before the connection listeners run.
func (s *Session) Attach(conn net.Conn) {
	s.attach(conn)
	s.onConnect.fire(s)
}

// Accepted is a convenience constructor combining New, SetCompression,
// and Attach for callers that don't need to register hooks first.
func Accepted(conn net.Conn, capacity int, compression bool) *Session {
	s := New(capacity)
	s.compression = compression
	s.Attach(conn)
	return s
}

// IsClosed reports whether the session has begun (or finished) closing.
func (s *Session) IsClosed() bool {
	return atomic.LoadInt32(&s.closing) != 0
}
