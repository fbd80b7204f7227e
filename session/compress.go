package session

import (
	"net"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// compConn wraps a net.Conn in a snappy-framed reader/writer pair,
// grounded on kcptun's std/comp.go CompStream. It is the connection-level
// seam the optional compression feature (SPEC_FULL.md §4.1) occupies,
// beneath the session's read-request framing and cipher adapters.
type compConn struct {
	net.Conn
	w *snappy.Writer
	r *snappy.Reader
}

func newCompConn(conn net.Conn) *compConn {
	return &compConn{
		Conn: conn,
		w:    snappy.NewBufferedWriter(conn),
		r:    snappy.NewReader(conn),
	}
}

func (c *compConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write compresses and flushes p immediately rather than letting snappy
// buffer across calls: the session writer (C6) already decides batch
// boundaries before a buffer ever reaches here (nextWriteJob cuts at
// session capacity), so one compConn.Write call corresponds to exactly
// one kernelWrite-initiated batch, and delaying the flush would only
// reorder bytes the session layer already committed to as one unit.
func (c *compConn) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

// Close flushes and closes the snappy writer before the underlying
// connection closes, so Session.Close's orderly shutdown (spec.md
// §4.6, which flushes the outbound packet queue before ever touching
// the kernel handle) doesn't hand the snappy writer a closed socket out
// from under it. Without this override, net.Conn's embedded Close would
// close the raw connection directly and skip the writer entirely.
func (c *compConn) Close() error {
	if err := c.w.Close(); err != nil {
		_ = c.Conn.Close()
		return errors.Wrap(err, "session: closing compression writer")
	}
	return c.Conn.Close()
}

func (c *compConn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *compConn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *compConn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
