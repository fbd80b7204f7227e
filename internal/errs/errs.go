// Package errs collects the sentinel error values raised by the session
// layer. Call sites wrap them with github.com/pkg/errors so callers get a
// stack trace at the point of origin, the same convention kcptun's
// std/crypt.go and std/comp.go use for their own I/O errors.
package errs

import "errors"

var (
	// ErrInvalidArgument covers out-of-range ports, nil addresses, and
	// strings whose encoded byte length exceeds 65535.
	ErrInvalidArgument = errors.New("gonetsess: invalid argument")

	// ErrAlreadyConnected is returned by Session.Connect when the session
	// already owns a live socket.
	ErrAlreadyConnected = errors.New("gonetsess: session already connected")

	// ErrAlreadyBound is returned by acceptor.Bind when called twice on
	// the same Acceptor.
	ErrAlreadyBound = errors.New("gonetsess: acceptor already bound")

	// ErrConnectTimeout is returned when Connect's dial does not complete
	// within the caller-supplied timeout.
	ErrConnectTimeout = errors.New("gonetsess: connect timed out")

	// ErrIoFailure covers a kernel read or write that failed mid-stream.
	ErrIoFailure = errors.New("gonetsess: io failure")

	// ErrEndOfStream is raised when a kernel read reports io.EOF, or zero
	// bytes with no error (peer half-closed).
	ErrEndOfStream = errors.New("gonetsess: end of stream")

	// ErrCipherFailure is raised when an encrypt or decrypt adapter call
	// fails; fatal for the owning session.
	ErrCipherFailure = errors.New("gonetsess: cipher failure")

	// ErrClosed names the state of a closed session or acceptor. No
	// operation in this module returns it: calls made on a closed
	// session or acceptor do not check for that state.
	ErrClosed = errors.New("gonetsess: session closed")

	// ErrProgrammerError marks defensive checks meant to catch misuse:
	// double-close, double-give to the buffer pool, a predicate that
	// consumed more than its slice.
	ErrProgrammerError = errors.New("gonetsess: programmer error")
)
