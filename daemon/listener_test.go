package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/frame"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/spool"
	"github.com/nyxmail/bouncer/store"
)

var errTransientForTest = fmt.Errorf("fake transient: %w", bouncererr.ErrDBTransient)

func newTestSpoolForDaemon(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.Open(t.TempDir())
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	return sp
}

type fakeStore struct {
	mu               sync.Mutex
	applied          []store.Record
	applyObserverErr error
}

func (f *fakeStore) UpsertBounce(ctx context.Context, r store.Record) error { return nil }

func (f *fakeStore) ApplyObserverEvent(ctx context.Context, r store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyObserverErr != nil {
		return f.applyObserverErr
	}
	f.applied = append(f.applied, r)
	return nil
}

func (f *fakeStore) GetMetricsStats(ctx context.Context) (*metrics.Stats, error) {
	return &metrics.Stats{}, nil
}

func (f *fakeStore) Close() {}

func (f *fakeStore) appliedRecords() []store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Record, len(f.applied))
	copy(out, f.applied)
	return out
}

func startTestListener(t *testing.T, sp *spool.Spool, st store.Store) (net.Addr, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	l := NewListener(ln.Addr().String(), 0, 0, time.Second, sp, st)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Serve(ctx, ln)
		close(done)
	}()

	return ln.Addr(), func() {
		cancel()
		<-done
	}
}

func dialAndRoundTrip(t *testing.T, addr net.Addr, f *frame.Frame) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := frame.Encode(conn, f); err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := frame.ReadAck(conn); err != nil {
		t.Fatalf("expected ack, got error: %v", err)
	}
}

func TestListenerMailFrameIsSpooledAndAcked(t *testing.T) {
	sp := newTestSpoolForDaemon(t)
	st := &fakeStore{}
	addr, stop := startTestListener(t, sp, st)
	defer stop()

	dialAndRoundTrip(t, addr, &frame.Frame{
		Kind: frame.KindMail,
		From: "sender@example.com",
		To:   "bob@example.org",
		Body: []byte("From: sender@example.com\r\n\r\nbody\r\n"),
	})

	ids, err := sp.ListIncoming()
	if err != nil {
		t.Fatalf("list incoming: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 spooled object, got %d", len(ids))
	}
}

func TestListenerObserverEventIsAppliedAndAcked(t *testing.T) {
	sp := newTestSpoolForDaemon(t)
	st := &fakeStore{}
	addr, stop := startTestListener(t, sp, st)
	defer stop()

	body := `message_hash=abcdefghijklmnopqrstuvwxyz012345 recipient=bob@example.org dsn=5.1.1 status=failed diagnostic="no such user" relay=mx.example.org timestamp=2026-08-03T12:00:00Z source=mailhost1`

	dialAndRoundTrip(t, addr, &frame.Frame{
		Kind: frame.KindObserverEvent,
		From: "observer@mailhost1",
		To:   "bouncer@ingest",
		Body: []byte(body),
	})

	applied := st.appliedRecords()
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied record, got %d", len(applied))
	}
	if applied[0].Recipient != "bob@example.org" {
		t.Errorf("Recipient = %q", applied[0].Recipient)
	}
}

func TestListenerHeartbeatIsAckedWithoutApply(t *testing.T) {
	sp := newTestSpoolForDaemon(t)
	st := &fakeStore{}
	addr, stop := startTestListener(t, sp, st)
	defer stop()

	dialAndRoundTrip(t, addr, &frame.Frame{
		Kind: frame.KindObserverEvent,
		From: "observer@mailhost1",
		To:   "bouncer@ingest",
		Body: nil,
	})

	if len(st.appliedRecords()) != 0 {
		t.Fatal("expected no record applied for a heartbeat frame")
	}
}

func TestListenerTransientStoreErrorClosesWithoutAck(t *testing.T) {
	sp := newTestSpoolForDaemon(t)
	st := &fakeStore{applyObserverErr: errTransientForTest}
	addr, stop := startTestListener(t, sp, st)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body := `message_hash=abcdefghijklmnopqrstuvwxyz012345 recipient=bob@example.org dsn=4.0.0 status=delayed`
	if err := frame.Encode(conn, &frame.Frame{
		Kind: frame.KindObserverEvent,
		Body: []byte(body),
	}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := frame.ReadAck(conn); err == nil {
		t.Fatal("expected no ack after a transient store error")
	}
}

func TestListenerMalformedFrameClosesWithoutAck(t *testing.T) {
	sp := newTestSpoolForDaemon(t)
	st := &fakeStore{}
	addr, stop := startTestListener(t, sp, st)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not a valid frame header!!")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := frame.ReadAck(conn); err == nil {
		t.Fatal("expected no ack after a malformed frame")
	}
}
