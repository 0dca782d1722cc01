package spool

import (
	"context"
	"time"

	"github.com/nyxmail/bouncer/logger"
)

// Scanner periodically enumerates incoming/ and submits every object it
// finds to the process queue, waiting for room when the queue is full
// rather than dropping the submission. It is the safety net
// guaranteeing that a file in incoming/ is eventually enqueued within
// one scan period regardless of whether the watcher saw its creation
// event (spec.md §4.4).
type Scanner struct {
	spool     *Spool
	processCh chan<- string
	period    time.Duration
}

func NewScanner(s *Spool, processCh chan<- string, period time.Duration) *Scanner {
	return &Scanner{spool: s, processCh: processCh, period: period}
}

// Run ticks every period, sending each object found to the process
// queue. Unlike the watcher's drop-on-full policy, each send blocks until
// the queue has room or ctx is cancelled.
func (c *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	logger.Info("spool scanner started", "period", c.period)

	for {
		select {
		case <-ctx.Done():
			logger.Info("spool scanner stopping")
			return nil
		case <-ticker.C:
			c.scanOnce(ctx)
		}
	}
}

func (c *Scanner) scanOnce(ctx context.Context) {
	ids, err := c.spool.ListIncoming()
	if err != nil {
		logger.Error("spool scanner: list incoming failed", "error", err)
		return
	}

	for _, id := range ids {
		select {
		case c.processCh <- id:
		case <-ctx.Done():
			return
		}
	}
}
