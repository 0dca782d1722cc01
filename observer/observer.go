package observer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nyxmail/bouncer/config"
)

// Run wires the UDP listener and TCP publisher together over a bounded
// channel and blocks until ctx is cancelled or either side returns an
// error.
func Run(ctx context.Context, cfg config.ObserverConfig) error {
	eventsCh := make(chan DeliveryEvent, cfg.QueueCapacity)

	listener, err := NewListener(cfg, eventsCh)
	if err != nil {
		return err
	}
	publisher, err := NewPublisher(cfg, eventsCh)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	return g.Wait()
}
