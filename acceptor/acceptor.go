// Package acceptor implements component C8: a listening TCP endpoint
// that produces one session.Session per accepted connection and offers
// broadcast helpers with exclusion sets. Grounded on kcptun's
// server/main.go accept-and-dispatch loop and server/listen.go's listener
// setup, adapted from KCP/UDP to plain TCP, and on smux.Session's
// mutex-guarded streams map for the connected-set idiom, generalized to
// an identity set of live sessions.
package acceptor

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"

	"github.com/xtaci/gonetsess/internal/errs"
	"github.com/xtaci/gonetsess/packet"
	"github.com/xtaci/gonetsess/session"
)

// Acceptor binds a local TCP endpoint and dispatches accepted connections
// to a fixed-size worker pool. A worker only sets up each session it picks
// up (connected-set entry, hooks, connect listeners); the session's reads
// and writes then run on goroutines the session starts itself, not on the
// pool's workers.
type Acceptor struct {
	ln          net.Listener
	capacity    int
	compression bool

	bound int32

	mu        sync.Mutex
	connected map[*session.Session]struct{}

	onConnectMu sync.Mutex
	onConnect   []func(*session.Session)

	workCh chan net.Conn
	wg     sync.WaitGroup
}

// New constructs an unbound Acceptor with the given per-session buffer
// capacity. Call Bind to start listening.
func New(capacity int) *Acceptor {
	if capacity <= 0 {
		capacity = session.DefaultCapacity
	}
	return &Acceptor{capacity: capacity, connected: make(map[*session.Session]struct{})}
}

// SetCompression toggles the optional connection-level compression
// transform for every session this acceptor produces from here on.
func (a *Acceptor) SetCompression(enabled bool) { a.compression = enabled }

// OnConnect registers a listener fired once per accepted session, in
// registration order, right after the session's own connect listeners.
func (a *Acceptor) OnConnect(cb func(*session.Session)) {
	a.onConnectMu.Lock()
	a.onConnect = append(a.onConnect, cb)
	a.onConnectMu.Unlock()
}

// Bind opens a listening socket on addr:port and starts workers
// (default max(1, NumCPU()-2), matching spec.md §5) accepting and
// dispatching connections. Binding twice on the same Acceptor is an
// error.
func (a *Acceptor) Bind(addr string, port int, workers int) error {
	if port < 0 || port > 65535 {
		return errors.Wrap(errs.ErrInvalidArgument, "acceptor: port out of range")
	}
	if !atomic.CompareAndSwapInt32(&a.bound, 0, 1) {
		return errors.WithStack(errs.ErrAlreadyBound)
	}
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()-2)
	}

	lc := net.ListenConfig{Control: a.controlRcvBuf}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		atomic.StoreInt32(&a.bound, 0)
		return errors.Wrap(errs.ErrIoFailure, err.Error())
	}
	a.ln = ln
	a.workCh = make(chan net.Conn, workers)

	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	go a.acceptLoop()
	return nil
}

// controlRcvBuf best-effort-sets SO_RCVBUF on the listening socket to the
// acceptor's session capacity, per spec.md §4.6 ("open a listening socket
// with a recv buffer equal to cap"). Failure to set it is not fatal —
// the per-connection SO_RCVBUF each Session.attach sets is what matters
// for the data path.
func (a *Acceptor) controlRcvBuf(_, _ string, c syscall.RawConn) error {
	_ = c.Control(func(fd uintptr) {
		_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, a.capacity)
	})
	return nil
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			close(a.workCh)
			return
		}
		a.workCh <- conn
	}
}

func (a *Acceptor) worker() {
	defer a.wg.Done()
	for conn := range a.workCh {
		a.onAccepted(conn)
	}
}

// onAccepted instantiates a session for a freshly accepted socket, adds
// it to the connected set, registers the post-disconnect removal hook,
// and fires connect listeners — spec.md §4.6's acceptor bullet, in order.
func (a *Acceptor) onAccepted(conn net.Conn) {
	s := session.New(a.capacity)
	s.SetCompression(a.compression)

	a.mu.Lock()
	a.connected[s] = struct{}{}
	a.mu.Unlock()

	s.OnPostDisconnect(func(s *session.Session) {
		a.mu.Lock()
		delete(a.connected, s)
		a.mu.Unlock()
	})

	a.onConnectMu.Lock()
	cbs := make([]func(*session.Session), len(a.onConnect))
	copy(cbs, a.onConnect)
	a.onConnectMu.Unlock()
	s.OnConnect(func(s *session.Session) {
		for _, cb := range cbs {
			cb(s)
		}
	})

	s.Attach(conn)
}

// Addr returns the listener's local address, or nil if Bind has not
// succeeded yet. Useful for tests and for CLI tooling that binds an
// ephemeral port (port 0) and needs to report which one the OS picked.
func (a *Acceptor) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Snapshot returns the set of currently connected sessions at the moment
// of the call (spec.md §4.7: "iteration produces a snapshot of current
// members at invocation time").
func (a *Acceptor) Snapshot() []*session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*session.Session, 0, len(a.connected))
	for s := range a.connected {
		out = append(out, s)
	}
	return out
}

func excludedSet(excluded []*session.Session) map[*session.Session]struct{} {
	set := make(map[*session.Session]struct{}, len(excluded))
	for _, s := range excluded {
		set[s] = struct{}{}
	}
	return set
}

// QueueToAllExcept enqueues p (without flushing) on every connected
// session except those in excluded, compared by pointer identity.
func (a *Acceptor) QueueToAllExcept(p *packet.Packet, excluded ...*session.Session) {
	skip := excludedSet(excluded)
	for _, s := range a.Snapshot() {
		if _, ok := skip[s]; ok {
			continue
		}
		p.Queue(s)
	}
}

// FlushToAllExcept flushes every connected session except those in
// excluded.
func (a *Acceptor) FlushToAllExcept(excluded ...*session.Session) {
	skip := excludedSet(excluded)
	for _, s := range a.Snapshot() {
		if _, ok := skip[s]; ok {
			continue
		}
		s.Flush()
	}
}

// QueueAndFlushToAllExcept enqueues and flushes p on every connected
// session except those in excluded.
func (a *Acceptor) QueueAndFlushToAllExcept(p *packet.Packet, excluded ...*session.Session) {
	skip := excludedSet(excluded)
	for _, s := range a.Snapshot() {
		if _, ok := skip[s]; ok {
			continue
		}
		p.QueueAndFlush(s)
	}
}

// Close stops accepting new connections and closes every currently
// connected session.
func (a *Acceptor) Close() error {
	var err error
	if a.ln != nil {
		err = a.ln.Close()
	}
	for _, s := range a.Snapshot() {
		_ = s.Close()
	}
	return err
}
