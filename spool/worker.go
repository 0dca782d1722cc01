package spool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/dsn"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/store"
)

// WorkerPool is a fixed number of goroutines draining the process queue,
// each running the checkout/parse/upsert/move sequence of spec.md §4.5
// against one object at a time.
type WorkerPool struct {
	spool       *Spool
	store       store.Store
	processCh   <-chan string
	concurrency int
}

func NewWorkerPool(s *Spool, st store.Store, processCh <-chan string, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{spool: s, store: st, processCh: processCh, concurrency: concurrency}
}

// Run starts concurrency workers and blocks until ctx is cancelled and
// every worker has finished the item it was in the middle of — a worker
// never abandons a file mid-rename.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	logger.Info("spool worker pool stopped")
}

func (p *WorkerPool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-p.processCh:
			if !ok {
				return
			}
			p.processOne(ctx, id)
		}
	}
}

func (p *WorkerPool) processOne(ctx context.Context, id string) {
	start := time.Now()

	if err := p.spool.CheckOut(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return // another worker won the race
		}
		logger.Error("spool worker: checkout failed, leaving in incoming for next scan", "id", id, "error", err)
		return
	}

	body, err := p.spool.ReadProcessing(id)
	if err != nil {
		logger.Error("spool worker: read failed", "id", id, "error", err)
		if retryErr := p.spool.Retry(id); retryErr != nil {
			logger.Error("spool worker: failed to return unreadable object to incoming", "id", id, "error", retryErr)
		}
		return
	}

	report, err := dsn.Parse(body)
	if err != nil {
		logger.Warn("spool worker: unparseable bounce report, moving to failed", "id", id, "error", err)
		if moveErr := p.spool.MarkFailed(id); moveErr != nil {
			logger.Error("spool worker: failed to move unparseable object to failed", "id", id, "error", moveErr)
		}
		metrics.WorkerOutcomesTotal.WithLabelValues("parse_error").Inc()
		metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds())
		return
	}

	record := store.Record{
		MessageHash: report.MessageHash,
		Recipient:   report.Recipient,
		Action:      report.Action,
		DSN:         report.DSN,
		Diagnostic:  report.Diagnostic,
		Relay:       report.Relay,
		Source:      "spool",
		Timestamp:   time.Now(),
	}

	err = p.store.UpsertBounce(ctx, record)
	p.finish(id, err, start)
}

func (p *WorkerPool) finish(id string, err error, start time.Time) {
	defer func() {
		metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds())
	}()

	switch {
	case err == nil:
		if moveErr := p.spool.MarkDone(id); moveErr != nil {
			logger.Error("spool worker: failed to move completed object to done", "id", id, "error", moveErr)
		}
		metrics.WorkerOutcomesTotal.WithLabelValues("upserted").Inc()

	case errors.Is(err, bouncererr.ErrDBPermanent):
		logger.Error("spool worker: permanent store error, moving to failed", "id", id, "error", err)
		if moveErr := p.spool.MarkFailed(id); moveErr != nil {
			logger.Error("spool worker: failed to move object to failed", "id", id, "error", moveErr)
		}
		metrics.WorkerOutcomesTotal.WithLabelValues("db_permanent_failed").Inc()

	default:
		// Transient (or unclassified — treated as transient, favoring a
		// retry over silently losing the object) store error: return it
		// to incoming/ for the next scan.
		logger.Warn("spool worker: transient store error, returning to incoming for retry", "id", id, "error", err)
		if moveErr := p.spool.Retry(id); moveErr != nil {
			logger.Error("spool worker: failed to return object to incoming", "id", id, "error", moveErr)
		}
		metrics.WorkerOutcomesTotal.WithLabelValues("db_transient_retry").Inc()
	}
}
