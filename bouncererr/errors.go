// Package bouncererr defines the sentinel error taxonomy shared by the
// daemon, observer, spool worker, and store packages, and a small
// startup error handler used by the cmd/bouncer-* mains.
package bouncererr

import "errors"

// Sentinel errors, in propagation order. Callers classify failures with
// errors.Is against these, never by comparing strings.
var (
	// ErrProtocol covers an invalid magic, version, or length field, or a
	// frame exceeding the configured maximum size. The connection is
	// closed without an ACK and never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrFrameTooLarge is returned by frame decoding when a declared
	// length exceeds the configured bound, before any allocation. It
	// satisfies errors.Is(err, ErrProtocol).
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrIOTransient covers read/write timeouts and connection resets.
	// The connection is closed without an ACK; the peer is expected to
	// retry.
	ErrIOTransient = errors.New("transient i/o error")

	// ErrAckFailed means the full three-byte ACK was not observed after
	// a frame was written: short read, socket close, wrong bytes, or
	// timeout.
	ErrAckFailed = errors.New("ack not received")

	// ErrSpoolDurability covers a failed write, fsync, or rename in the
	// spool. It is treated as critical and should trigger an operator
	// alert; the connection is closed without an ACK.
	ErrSpoolDurability = errors.New("spool durability error")

	// ErrParse covers a malformed spool body (unparsable DSN/MIME). It is
	// terminal: the spool object is moved to failed/.
	ErrParse = errors.New("parse error")

	// ErrDBTransient covers a connection pool exhausted, a lock timeout,
	// or a disconnect. Spool workers return the file to incoming/ for
	// retry; the observer-event path closes the socket without an ACK.
	ErrDBTransient = errors.New("transient database error")

	// ErrDBPermanent covers a constraint violation indicating malformed
	// data. Spool files move to failed/; observer events are dropped
	// after logging at error level.
	ErrDBPermanent = errors.New("permanent database error")

	// ErrShutdownRequested signals a graceful shutdown in progress; paths
	// should drain within the configured grace deadline.
	ErrShutdownRequested = errors.New("shutdown requested")
)

// GracefulError wraps an error with the operation that produced it, for
// consistent "operation 'x' failed: ..." logging at call sites that
// don't otherwise carry that context.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return g.Operation + " failed: " + g.Err.Error()
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

// NewGracefulError wraps err with operation context.
func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}
