package observer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/pkg/metrics"
)

const udpPacketBytes = 8192

// Listener binds the configured UDP address, parses each datagram as a
// postfix syslog line, and feeds a queueMap that joins cleanup/smtp
// line pairs into DeliveryEvents pushed onto a bounded channel for the
// Publisher to drain.
type Listener struct {
	cfg      config.ObserverConfig
	queueMap *queueMap
	eventsCh chan<- DeliveryEvent
}

func NewListener(cfg config.ObserverConfig, eventsCh chan<- DeliveryEvent) (*Listener, error) {
	ttl, err := cfg.GetMappingTTL()
	if err != nil {
		return nil, fmt.Errorf("observer: mapping_ttl_secs: %w", err)
	}

	return &Listener{
		cfg:      cfg,
		queueMap: newQueueMap(ttl, cfg.MaxMapEntries, 5*time.Minute),
		eventsCh: eventsCh,
	}, nil
}

// Run binds the UDP socket and processes datagrams until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.ListenUDP)
	if err != nil {
		return fmt.Errorf("observer: resolve %s: %w", l.cfg.ListenUDP, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("observer: listen %s: %w", l.cfg.ListenUDP, err)
	}
	defer conn.Close()
	defer l.queueMap.Close()

	logger.Info("observer udp listener ready", "listen_udp", l.cfg.ListenUDP)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, udpPacketBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("observer udp listener stopping")
				return nil
			default:
				return fmt.Errorf("observer: udp recv: %w", err)
			}
		}
		if n == 0 {
			continue
		}
		l.handleLine(string(buf[:n]))
	}
}

func (l *Listener) handleLine(line string) {
	parsed, ok := parseLine(line)
	if !ok {
		metrics.SyslogLinesTotal.WithLabelValues("unrecognized").Inc()
		return
	}

	switch {
	case parsed.cleanup != nil:
		metrics.SyslogLinesTotal.WithLabelValues("cleanup").Inc()
		l.queueMap.Put(parsed.cleanup.queueID, parsed.cleanup.hash)

	case parsed.smtp != nil:
		metrics.SyslogLinesTotal.WithLabelValues("smtp").Inc()
		hash, found := l.queueMap.Lookup(parsed.smtp.queueID)
		if !found {
			logger.Debug("observer: smtp log without known queue mapping", "queue_id", parsed.smtp.queueID)
			return
		}

		event := DeliveryEvent{
			Hash:       hash,
			QueueID:    parsed.smtp.queueID,
			Recipient:  parsed.smtp.recipient,
			DSN:        parsed.smtp.dsn,
			Action:     parsed.smtp.action,
			Diagnostic: parsed.smtp.diagnostic,
			Relay:      parsed.smtp.relay,
			SMTPStatus: parsed.smtp.syslogStatus,
			ObservedAt: time.Now(),
		}

		select {
		case l.eventsCh <- event:
		default:
			metrics.PublisherEventsDroppedTotal.Inc()
			logger.Warn("observer: event queue full, dropping event", "hash", event.Hash, "queue_id", event.QueueID)
		}
	}
}
