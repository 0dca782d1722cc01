// Package daemon wires together the spool, the store, and the TCP
// frame listener (plus an optional IMAP fallback poller) into the
// long-running bouncer-daemon process described in spec.md §4.3-§4.5
// and §4.9.
package daemon

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/spool"
	"github.com/nyxmail/bouncer/store"
)

// shutdownWait bounds how long Run waits for components to stop after
// ctx is cancelled before giving up on a clean stop; shutdownGrace is
// a fixed extra sleep afterward so in-flight connection goroutines can
// finish releasing store resources. Both mirror the teacher's top-level
// shutdown sequencing.
const (
	shutdownWait  = 10 * time.Second
	shutdownGrace = 3 * time.Second
)

// Run starts every daemon subsystem and blocks until ctx is cancelled
// and they have all stopped (or shutdownWait elapses, whichever is
// first).
func Run(ctx context.Context, cfg config.DaemonConfig) error {
	sp, err := spool.Open(cfg.Spool.Root)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database, cfg.StatusMapping)
	if err != nil {
		return err
	}
	defer st.Close()

	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return err
	}
	scanPeriod, err := cfg.GetIncomingScanPeriod()
	if err != nil {
		return err
	}

	processCh := make(chan string, cfg.ProcessQueueSize)

	watcher := spool.NewWatcher(sp, processCh)
	scanner := spool.NewScanner(sp, processCh, scanPeriod)
	workers := spool.NewWorkerPool(sp, st, processCh, cfg.WorkerConcurrency)
	listener := NewListener(cfg.Listen, uint32(cfg.MaxHeaderLen), uint32(cfg.MaxBodyLen), idleTimeout, sp, st)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { workers.Run(gctx); return nil })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return reportDepth(gctx, sp) })

	if cfg.IMAP.Enabled {
		poller, err := NewIMAPPoller(cfg.IMAP, st)
		if err != nil {
			return err
		}
		g.Go(func() error { return poller.Run(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("daemon: shutdown signal received, waiting for subsystems to stop")
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-time.After(shutdownWait):
			logger.Warn("daemon: shutdown wait timeout reached", "timeout", shutdownWait)
		}
		time.Sleep(shutdownGrace)
		logger.Info("daemon: shutdown grace period complete")
		return nil
	}
}

// reportDepth refreshes the spool depth gauge on a fixed interval so it
// stays current between worker outcomes.
func reportDepth(ctx context.Context, sp *spool.Spool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			depths, err := sp.Depth()
			if err != nil {
				logger.Warn("daemon: failed to read spool depth", "error", err)
				continue
			}
			for state, n := range depths {
				metrics.SpoolDepth.WithLabelValues(state).Set(float64(n))
			}
		}
	}
}
