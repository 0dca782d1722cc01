package metrics

import (
	"context"
	"time"

	"github.com/nyxmail/bouncer/logger"
)

// Stats holds aggregate statistics returned by the store.
type Stats struct {
	TotalBounces          int64
	TotalObserverEvents   int64
	PendingProcessingFrom time.Duration // age of the oldest row still pending, if any
}

// StatsProvider is implemented by store.Store for periodic metrics
// collection.
type StatsProvider interface {
	GetMetricsStats(ctx context.Context) (*Stats, error)
}

// Collector periodically calls the store's GetMetricsStats, counts each
// successful call in DBOperationsTotal and logs the totals at debug
// level. It sets no gauge from the returned stats.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector returns a Collector polling provider every interval
// (default 60s if zero).
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is
// called. It collects once immediately before entering the loop.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("metrics collector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("metrics collector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("metrics collector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collection loop to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStats(ctx)
	if err != nil {
		logger.Error("metrics collector: error collecting stats", "error", err)
		return
	}

	DBOperationsTotal.WithLabelValues("get_metrics_stats", "ok").Inc()
	logger.Debug("metrics collector: refreshed store stats",
		"total_bounces", stats.TotalBounces,
		"total_observer_events", stats.TotalObserverEvents)
}
