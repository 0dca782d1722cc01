package observer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/frame"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
	"github.com/nyxmail/bouncer/pkg/retry"
)

// Publisher owns the single long-lived TCP connection to the daemon. It
// drains a bounded channel of correlated delivery events, frames each as
// kind=observer_event, and emits a zero-body heartbeat frame whenever
// the channel has been idle for heartbeatEvery, so connection health is
// probed even during quiet periods.
type Publisher struct {
	cfg    config.ObserverConfig
	events <-chan DeliveryEvent

	connectTimeout time.Duration
	ioTimeout      time.Duration
	heartbeatEvery time.Duration

	conn net.Conn
}

func NewPublisher(cfg config.ObserverConfig, events <-chan DeliveryEvent) (*Publisher, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("observer: connect_timeout: %w", err)
	}
	ioTimeout, err := cfg.GetIOTimeout()
	if err != nil {
		return nil, fmt.Errorf("observer: io_timeout: %w", err)
	}
	heartbeatEvery, err := cfg.GetHeartbeatInterval()
	if err != nil {
		return nil, fmt.Errorf("observer: heartbeat_secs: %w", err)
	}

	return &Publisher{
		cfg:            cfg,
		events:         events,
		connectTimeout: connectTimeout,
		ioTimeout:      ioTimeout,
		heartbeatEvery: heartbeatEvery,
	}, nil
}

// Run drives the publish loop until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.closeConn()

	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()

	logger.Info("observer publisher started", "server", p.cfg.Server)

	for {
		select {
		case <-ctx.Done():
			logger.Info("observer publisher stopping")
			return nil

		case event, ok := <-p.events:
			if !ok {
				return nil
			}
			if err := p.publishEventUntilAcked(ctx, event); err != nil {
				// Only reachable via ctx cancellation — the retry loop
				// below never gives up on its own.
				logger.Info("observer: dropping delivery event on shutdown", "hash", event.Hash, "queue_id", event.QueueID, "error", err)
			}
			ticker.Reset(p.heartbeatEvery)

		case <-ticker.C:
			if err := p.publishHeartbeat(ctx); err != nil {
				logger.Debug("observer: heartbeat send failed", "error", err)
			} else {
				metrics.HeartbeatsSentTotal.Inc()
			}
		}
	}
}

// publishEventUntilAcked retries a real delivery event with exponential
// backoff until the daemon acks it or ctx is cancelled — per spec.md
// §4.7 the current event is retried at-least-once, bounded only by the
// process lifetime, never dropped after a fixed number of attempts. The
// daemon's upsert is idempotent, so a duplicate delivery after a
// reconnect is harmless.
func (p *Publisher) publishEventUntilAcked(ctx context.Context, event DeliveryEvent) error {
	body := encodeDeliveryEvent(p.cfg.Source, event)
	delay := retry.ExponentialBackoff(retry.DefaultBackoffConfig())

	for attempt := 0; ; attempt++ {
		if err := p.sendOnce(ctx, frame.KindObserverEvent, body); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay(attempt)):
		}
	}
}

// publishHeartbeat sends a zero-body probe frame with a bounded number of
// retries — a missed heartbeat is harmless, the next tick tries again.
func (p *Publisher) publishHeartbeat(ctx context.Context) error {
	backoffCfg := retry.DefaultBackoffConfig()
	backoffCfg.MaxRetries = 3

	return retry.WithRetry(ctx, func() error {
		return p.sendOnce(ctx, frame.KindObserverEvent, nil)
	}, backoffCfg)
}

// sendOnce connects if necessary and sends a single frame, tearing down
// the connection on any I/O failure so the next attempt reconnects fresh.
func (p *Publisher) sendOnce(ctx context.Context, kind frame.Kind, body []byte) error {
	if p.conn == nil {
		conn, err := p.connect(ctx)
		if err != nil {
			metrics.PublisherReconnectsTotal.Inc()
			return err
		}
		p.conn = conn
	}

	if err := p.sendFrame(kind, body); err != nil {
		p.closeConn()
		metrics.PublisherReconnectsTotal.Inc()
		return err
	}
	return nil
}

func (p *Publisher) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("observer: dial %s: %w", p.cfg.Server, err)
	}
	logger.Info("observer connected", "server", p.cfg.Server, "source", p.cfg.Source)
	return conn, nil
}

func (p *Publisher) sendFrame(kind frame.Kind, body []byte) error {
	if err := p.conn.SetDeadline(time.Now().Add(p.ioTimeout)); err != nil {
		return fmt.Errorf("observer: set deadline: %w", err)
	}

	f := &frame.Frame{
		Kind:   kind,
		From:   "observer@" + sanitizeHeaderValue(p.cfg.Source),
		To:     "bouncer@ingest",
		Source: sanitizeHeaderValue(p.cfg.Source),
		Body:   body,
	}
	if err := frame.Encode(p.conn, f); err != nil {
		return fmt.Errorf("observer: write frame: %w", err)
	}
	if err := frame.ReadAck(p.conn); err != nil {
		return fmt.Errorf("observer: read ack: %w", err)
	}
	return nil
}

func (p *Publisher) closeConn() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// encodeDeliveryEvent renders event in the single-line key=value form
// spec.md §6 defines for the observer_event body, quoting any value
// containing whitespace or a double quote.
func encodeDeliveryEvent(source string, event DeliveryEvent) []byte {
	fields := []struct {
		key, value string
	}{
		{"message_hash", event.Hash},
		{"recipient", event.Recipient},
		{"dsn", event.DSN},
		{"status", event.SMTPStatus},
		{"diagnostic", event.Diagnostic},
		{"relay", event.Relay},
		{"timestamp", event.ObservedAt.UTC().Format(time.RFC3339)},
		{"source", source},
	}

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.key+"="+quoteIfNeeded(f.value))
	}
	return []byte(strings.Join(parts, " "))
}

func quoteIfNeeded(value string) string {
	if value == "" {
		return `""`
	}
	if !strings.ContainsAny(value, " \t\r\n\"") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// sanitizeHeaderValue strips CR/LF so frame metadata stays single-line.
func sanitizeHeaderValue(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}
