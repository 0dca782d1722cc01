package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/frame"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/spool"
	"github.com/nyxmail/bouncer/store"
)

// Listener accepts TCP connections speaking the wire protocol described
// in frame.go and dispatches each decoded frame by kind: kind=mail goes
// straight to the spool, kind=observer_event goes straight to the
// store, per spec.md §4.3.
type Listener struct {
	addr        string
	maxMetaLen  uint32
	maxBodyLen  uint32
	idleTimeout time.Duration

	spool *spool.Spool
	store store.Store
}

func NewListener(addr string, maxMetaLen, maxBodyLen uint32, idleTimeout time.Duration, sp *spool.Spool, st store.Store) *Listener {
	return &Listener{
		addr:        addr,
		maxMetaLen:  maxMetaLen,
		maxBodyLen:  maxBodyLen,
		idleTimeout: idleTimeout,
		spool:       sp,
		store:       st,
	}
}

// Run accepts connections until ctx is cancelled. A connection in
// progress is allowed to finish the frame it's in the middle of;
// Run itself returns only once every accepted connection's handler has
// returned, so a caller's bounded shutdown wait measures real drain
// time rather than the raw listener close.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve runs the accept loop against an already-bound listener, letting
// tests bind to an ephemeral port (":0") and read back the chosen
// address before connecting.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		logger.Debug("daemon: closing listener", "addr", l.addr)
		ln.Close()
	}()

	logger.Info("daemon listening", "addr", l.addr)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("daemon: accept loop stopped, waiting for connections to drain")
				wg.Wait()
				return nil
			default:
				return err
			}
		}

		wg.Add(1)
		metrics.ConnectionsCurrent.Inc()
		go func() {
			defer wg.Done()
			defer metrics.ConnectionsCurrent.Dec()
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger.Debug("daemon: connection accepted", "remote", remote)

	for {
		if l.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(l.idleTimeout)); err != nil {
				logger.Warn("daemon: set read deadline failed", "remote", remote, "error", err)
				return
			}
		}

		f, err := frame.DecodeFrom(conn, l.maxMetaLen, l.maxBodyLen)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("daemon: connection closed by peer", "remote", remote)
				return
			}
			l.logDecodeError(remote, err)
			return
		}

		metrics.FramesTotal.WithLabelValues(f.Kind.String()).Inc()

		var ackErr error
		switch f.Kind {
		case frame.KindMail:
			ackErr = l.handleMail(f)
		case frame.KindObserverEvent:
			ackErr = l.handleObserverEvent(ctx, f)
		}

		if ackErr != nil {
			logger.Warn("daemon: frame not acknowledged", "remote", remote, "kind", f.Kind, "error", ackErr)
			return
		}

		if err := frame.WriteAck(conn); err != nil {
			metrics.AckFailuresTotal.Inc()
			logger.Warn("daemon: failed to write ack", "remote", remote, "error", err)
			return
		}
	}
}

func (l *Listener) logDecodeError(remote string, err error) {
	cause := "io"
	switch {
	case errors.Is(err, bouncererr.ErrFrameTooLarge):
		cause = "frame_too_large"
	case errors.Is(err, bouncererr.ErrProtocol):
		cause = "protocol"
	case errors.Is(err, bouncererr.ErrIOTransient):
		cause = "io_transient"
	}
	metrics.FrameDecodeErrorsTotal.WithLabelValues(cause).Inc()
	logger.Warn("daemon: frame decode failed, closing connection", "remote", remote, "cause", cause, "error", err)
}

// handleMail enqueues the frame body in the spool. The frame's ACK is
// only valid once Enqueue's fsync-then-rename sequence has returned,
// satisfying spec.md §4.3's durability-before-ACK requirement.
func (l *Listener) handleMail(f *frame.Frame) error {
	id, err := l.spool.Enqueue(f.Body)
	if err != nil {
		metrics.SpoolDurabilityErrorsTotal.Inc()
		return err
	}
	logger.Debug("daemon: spooled mail object", "id", id, "from", f.From, "to", f.To)
	return nil
}

// handleObserverEvent applies a correlated delivery event straight to
// the store, bypassing the spool entirely (spec.md §4.3). A permanent
// store error is logged and the frame is still ACKed — the malformed
// record is unrecoverable, and there is nothing further the observer
// can do by retrying it. A transient error withholds the ACK so the
// observer's own retry-on-reconnect logic resends the same event,
// which the idempotent upsert makes harmless.
func (l *Listener) handleObserverEvent(ctx context.Context, f *frame.Frame) error {
	record, ok, err := parseObserverEvent(f.Body)
	if err != nil {
		logger.Warn("daemon: unparseable observer event, dropping", "from", f.From, "error", err)
		return nil // malformed body: ACK and move on, nothing to retry
	}
	if !ok {
		return nil // heartbeat: nothing to apply, just ACK
	}

	if err := l.store.ApplyObserverEvent(ctx, record); err != nil {
		if errors.Is(err, bouncererr.ErrDBPermanent) {
			logger.Error("daemon: permanent store error applying observer event, dropping", "hash", record.MessageHash, "error", err)
			return nil
		}
		return err
	}
	return nil
}
