package observer

import "time"

// cleanupEvent is the correlation key a postfix/cleanup syslog line
// contributes: the postfix queue id this message was assigned, and the
// bounce-tracking hash extracted from its own Message-Id.
type cleanupEvent struct {
	queueID string
	hash    string
}

// smtpEvent is the delivery outcome a postfix/smtp syslog line reports,
// still missing the application hash until it's joined against a
// cleanupEvent sharing the same queue id.
type smtpEvent struct {
	queueID      string
	recipient    string
	smtpStatus   string // postfix's own status word: sent, bounced, deferred, ...
	dsn          string // "N.N.N"
	action       string // delivered, delayed, failed (DB vocabulary)
	syslogStatus string // delivered, bounced, deferred, delayed, error (wire vocabulary, spec.md §6)
	diagnostic   string
	relay        string
}

// DeliveryEvent is a fully correlated delivery outcome, ready to publish
// to the daemon as a kind=observer_event frame.
type DeliveryEvent struct {
	Hash       string
	QueueID    string
	Recipient  string
	DSN        string
	Action     string
	Diagnostic string
	Relay      string
	SMTPStatus string // wire vocabulary: delivered, bounced, deferred, delayed, error
	ObservedAt time.Time
}

// parsedSyslog is the result of parsing one postfix syslog line: either
// a cleanupEvent, an smtpEvent, or neither (line was not recognized).
type parsedSyslog struct {
	cleanup *cleanupEvent
	smtp    *smtpEvent
}
