package spool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/store"
)

const sampleReport = "From: mailer-daemon@example.com\r\n" +
	"To: postmaster@example.com\r\n" +
	"Subject: Undelivered\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"B\"\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Delivery failed.\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns;mail.example.com\r\n" +
	"\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Final-Recipient: rfc822;bob@example.org\r\n" +
	"Diagnostic-Code: smtp;550 no such user\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: message/rfc822-headers\r\n" +
	"\r\n" +
	"Message-Id: <abcdefghijklmnopqrstuvwxyz012345@example.com>\r\n" +
	"\r\n" +
	"--B--\r\n"

type fakeStore struct {
	err error
}

func (f *fakeStore) UpsertBounce(ctx context.Context, r store.Record) error      { return f.err }
func (f *fakeStore) ApplyObserverEvent(ctx context.Context, r store.Record) error { return f.err }
func (f *fakeStore) GetMetricsStats(ctx context.Context) (*metrics.Stats, error) {
	return &metrics.Stats{}, nil
}
func (f *fakeStore) Close() {}

func TestWorkerPoolProcessOneSuccessMovesToDone(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte(sampleReport))
	require.NoError(t, err)

	fs := &fakeStore{}
	p := NewWorkerPool(s, fs, nil, 1)
	p.processOne(context.Background(), id)

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depths["done"])
}

func TestWorkerPoolProcessOneParseErrorMovesToFailed(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("not a valid MIME report at all"))
	require.NoError(t, err)

	fs := &fakeStore{}
	p := NewWorkerPool(s, fs, nil, 1)
	p.processOne(context.Background(), id)

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depths["failed"])
}

func TestWorkerPoolProcessOneDBPermanentMovesToFailed(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte(sampleReport))
	require.NoError(t, err)

	fs := &fakeStore{err: bouncererr.ErrDBPermanent}
	p := NewWorkerPool(s, fs, nil, 1)
	p.processOne(context.Background(), id)

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depths["failed"])
}

func TestWorkerPoolProcessOneDBTransientReturnsToIncoming(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte(sampleReport))
	require.NoError(t, err)

	fs := &fakeStore{err: bouncererr.ErrDBTransient}
	p := NewWorkerPool(s, fs, nil, 1)
	p.processOne(context.Background(), id)

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestWorkerPoolProcessOneMissingObjectIsNoop(t *testing.T) {
	s := newTestSpool(t)
	fs := &fakeStore{}
	p := NewWorkerPool(s, fs, nil, 1)

	assert.NotPanics(t, func() {
		p.processOne(context.Background(), "550e8400-e29b-41d4-a716-446655440000")
	})
}

func TestWorkerPoolRunStopsOnContextCancel(t *testing.T) {
	s := newTestSpool(t)
	fs := &fakeStore{}
	ch := make(chan string)
	p := NewWorkerPool(s, fs, ch, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker pool did not stop after context cancellation")
	}
}

func TestFinishUnclassifiedErrorDefaultsToRetry(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte(sampleReport))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))

	fs := &fakeStore{}
	p := NewWorkerPool(s, fs, nil, 1)
	p.finish(id, errors.New("something unexpected"), time.Now())

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}
