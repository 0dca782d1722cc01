package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/dsn"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/circuitbreaker"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/store"
)

// IMAPPoller is the optional, off-by-default fallback described in
// spec.md §4.9: when the mail host can't reach the daemon directly (or
// as a belt-and-braces backstop), it polls a mailbox for DSN reports
// the same way a human operator forwarding bounces would, applying
// whatever it can parse and marking it \Seen. A message it cannot parse
// is left unseen for a later pass, unless mark_seen_if_not_processed is
// set, in which case it is marked \Seen as well.
type IMAPPoller struct {
	cfg   config.IMAPFallbackConfig
	store store.Store

	pollInterval   time.Duration
	connectTimeout time.Duration

	breaker *circuitbreaker.CircuitBreaker
}

func NewIMAPPoller(cfg config.IMAPFallbackConfig, st store.Store) (*IMAPPoller, error) {
	pollInterval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("daemon: imap.poll_interval: %w", err)
	}
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("daemon: imap.connect_timeout: %w", err)
	}

	return &IMAPPoller{
		cfg:            cfg,
		store:          st,
		pollInterval:   pollInterval,
		connectTimeout: connectTimeout,
		breaker:        circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("imap-fallback")),
	}, nil
}

// Run ticks every poll_interval until ctx is cancelled, each tick
// wrapped in a circuit breaker so a flapping or unreachable IMAP host
// stops being dialed on every tick and instead backs off, the same
// degradation the teacher applies around its own flaky dependencies.
func (p *IMAPPoller) Run(ctx context.Context) error {
	logger.Info("imap fallback poller started", "host", p.cfg.Host, "mailbox", p.cfg.Mailbox, "interval", p.pollInterval)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("imap fallback poller stopping")
			return nil
		case <-ticker.C:
			err := circuitbreaker.WrapWithContext(ctx, p.breaker, p.poll)
			switch {
			case err == nil:
				metrics.IMAPPollsTotal.WithLabelValues("ok").Inc()
			case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
				logger.Debug("imap fallback poller: circuit open, skipping poll")
			default:
				metrics.IMAPPollsTotal.WithLabelValues("connect_error").Inc()
				logger.Warn("imap fallback poll failed", "error", err)
			}
		}
	}
}

func (p *IMAPPoller) poll(ctx context.Context) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Login(p.cfg.User, p.cfg.Pass).Wait(); err != nil {
		return fmt.Errorf("daemon: imap login: %w", err)
	}
	defer c.Logout()

	if _, err := c.Select(p.cfg.Mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("daemon: imap select %s: %w", p.cfg.Mailbox, err)
	}

	searchData, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("daemon: imap search unseen: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) > p.cfg.MaxMessagesPerPoll {
		uids = uids[:p.cfg.MaxMessagesPerPoll]
	}

	for _, uid := range uids {
		if err := p.processMessage(ctx, c, uid); err != nil {
			logger.Warn("imap fallback: failed to process message", "uid", uid, "error", err)
			metrics.IMAPPollsTotal.WithLabelValues("fetch_error").Inc()
			continue
		}
		metrics.IMAPMessagesFetchedTotal.Inc()
	}

	return nil
}

// dial bounds the connect step by connect_timeout: DialTLS itself takes
// no context, so the dial runs on its own goroutine and this returns as
// soon as either it finishes or the timeout elapses, closing a
// late-arriving connection rather than leaking it.
func (p *IMAPPoller) dial(ctx context.Context) (*imapclient.Client, error) {
	type result struct {
		client *imapclient.Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := imapclient.DialTLS(p.cfg.Host, nil)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("daemon: imap dial %s: %w", p.cfg.Host, r.err)
		}
		return r.client, nil
	case <-time.After(p.connectTimeout):
		go func() {
			if r := <-resultCh; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, fmt.Errorf("daemon: imap dial %s: %w", p.cfg.Host, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *IMAPPoller) processMessage(ctx context.Context, c *imapclient.Client, uid imap.UID) error {
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return fmt.Errorf("daemon: imap fetch uid %d: %w", uid, err)
	}
	if len(msgs) != 1 {
		return fmt.Errorf("daemon: imap fetch uid %d: expected 1 message, got %d", uid, len(msgs))
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return fmt.Errorf("daemon: imap fetch uid %d: no body section returned", uid)
	}

	report, err := dsn.Parse(body)
	matched := err == nil
	if matched {
		record := store.Record{
			MessageHash: report.MessageHash,
			Recipient:   report.Recipient,
			Action:      report.Action,
			DSN:         report.DSN,
			Diagnostic:  report.Diagnostic,
			Relay:       report.Relay,
			Source:      "imap_fallback",
			Timestamp:   time.Now(),
		}
		if applyErr := p.store.ApplyObserverEvent(ctx, record); applyErr != nil {
			return fmt.Errorf("daemon: imap apply uid %d: %w", uid, applyErr)
		}
	} else {
		logger.Debug("imap fallback: message did not parse as a DSN report", "uid", uid, "error", err)
	}

	if matched || p.cfg.MarkSeenIfNotProcessed {
		storeCmd := c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:    imap.StoreFlagsAdd,
			Flags: []imap.Flag{imap.FlagSeen},
		}, nil)
		if _, err := storeCmd.Collect(); err != nil {
			return fmt.Errorf("daemon: imap mark seen uid %d: %w", uid, err)
		}
	}

	return nil
}
