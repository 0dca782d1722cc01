// Package observer watches postfix's own delivery log (via syslog over
// UDP) and turns its two-stage "queue-id tells you nothing, then tells
// you everything" logging model into correlated delivery events:
// a postfix/cleanup line assigns a queue id to an outgoing message and
// carries its Message-Id; a later postfix/smtp line reports what
// happened to that queue id. The queueMap joins the two.
package observer

import (
	"regexp"
	"strings"
)

const maxDiagnosticLen = 512

// relayHandoffHosts lists internal relays that "sent" to are not yet
// final mailbox delivery — postfix reports those as smtp_status=sent,
// but this system still wants them tracked as pending until the
// downstream hop reports its own outcome.
var relayHandoffHosts = []string{"mxbg.nxmango.com"}

var queueIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{1,32}$`)

// parseLine parses one postfix syslog line into a cleanupEvent, an
// smtpEvent, or neither. Lines from any service other than cleanup or
// smtp are ignored — this system only needs the two stages that
// contribute to a delivery event.
func parseLine(line string) (parsedSyslog, bool) {
	idx := strings.Index(line, "postfix/")
	if idx < 0 {
		return parsedSyslog{}, false
	}
	rest := line[idx+len("postfix/"):]

	bracket := strings.Index(rest, "[")
	if bracket < 0 {
		return parsedSyslog{}, false
	}
	serviceRaw := rest[:bracket]
	rest = rest[bracket:]

	sep := strings.Index(rest, "]: ")
	if sep < 0 {
		return parsedSyslog{}, false
	}
	message := rest[sep+len("]: "):]

	service := serviceRaw
	if i := strings.LastIndex(serviceRaw, "/"); i >= 0 {
		service = serviceRaw[i+1:]
	}

	switch strings.ToLower(service) {
	case "cleanup":
		ce, ok := parseCleanupMessage(message)
		if !ok {
			return parsedSyslog{}, false
		}
		return parsedSyslog{cleanup: ce}, true
	case "smtp":
		se, ok := parseSMTPMessage(message)
		if !ok {
			return parsedSyslog{}, false
		}
		return parsedSyslog{smtp: se}, true
	default:
		return parsedSyslog{}, false
	}
}

// parseCleanupMessage extracts the queue id and bounce hash from a
// postfix/cleanup line. It carries no delivery outcome; it only builds
// the queue_id->hash correlation key that later smtp lines join
// against.
func parseCleanupMessage(message string) (*cleanupEvent, bool) {
	queueID, detail, ok := strings.Cut(message, ": ")
	if !ok || !isQueueID(queueID) {
		return nil, false
	}

	const marker = "message-id=<"
	start := strings.Index(detail, marker)
	if start < 0 {
		return nil, false
	}
	tail := detail[start+len(marker):]
	end := strings.IndexByte(tail, '>')
	if end < 0 {
		return nil, false
	}
	hash, ok := localPartHash(tail[:end])
	if !ok {
		return nil, false
	}

	return &cleanupEvent{queueID: queueID, hash: hash}, true
}

// parseSMTPMessage extracts recipient and status fields from a
// postfix/smtp line. The returned event still lacks an application
// hash; queueMap attaches that from the matching cleanupEvent.
func parseSMTPMessage(message string) (*smtpEvent, bool) {
	queueID, detail, ok := strings.Cut(message, ": ")
	if !ok || !isQueueID(queueID) {
		return nil, false
	}

	recipient, ok := extractBetween(detail, "to=<", ">")
	if !ok {
		return nil, false
	}

	smtpStatus, ok := extractToken(detail, "status=")
	if !ok {
		return nil, false
	}
	smtpStatus = strings.ToLower(smtpStatus)

	relayHost, hasRelay := extractRelayHost(detail)
	relayHandoff := hasRelay && isRelayHandoffHost(relayHost)

	dsn, ok := extractToken(detail, "dsn=")
	if !ok {
		dsn = defaultStatusCode(smtpStatus, relayHandoff)
	}

	return &smtpEvent{
		queueID:      queueID,
		recipient:    recipient,
		smtpStatus:   smtpStatus,
		dsn:          dsn,
		action:       mapAction(smtpStatus, relayHandoff),
		syslogStatus: mapSyslogStatus(smtpStatus, relayHandoff),
		diagnostic:   buildDiagnostic(queueID, detail),
		relay:        relayHost,
	}, true
}

func extractBetween(text, start, end string) (string, bool) {
	i := strings.Index(text, start)
	if i < 0 {
		return "", false
	}
	rem := text[i+len(start):]
	j := strings.Index(rem, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rem[:j]), true
}

func isTokenRune(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-'
}

func extractToken(text, key string) (string, bool) {
	i := strings.Index(text, key)
	if i < 0 {
		return "", false
	}
	rem := text[i+len(key):]
	end := 0
	for end < len(rem) && isTokenRune(rem[end]) {
		end++
	}
	if end == 0 {
		return "", false
	}
	return rem[:end], true
}

func mapAction(smtpStatus string, relayHandoff bool) string {
	if smtpStatus == "sent" && relayHandoff {
		return "delayed"
	}
	switch smtpStatus {
	case "sent":
		return "delivered"
	case "deferred":
		return "delayed"
	default:
		return "failed" // bounced, expired, and anything unrecognized
	}
}

// mapSyslogStatus maps postfix's own status word to the observer_event
// wire vocabulary spec.md §6 enumerates: delivered, bounced, deferred,
// delayed, error. This is distinct from mapAction's delivered/delayed/failed
// DB vocabulary — the wire format keeps bounced and deferred distinguishable
// even though both currently collapse to "failed"/"delayed" in the DB.
func mapSyslogStatus(smtpStatus string, relayHandoff bool) string {
	if smtpStatus == "sent" && relayHandoff {
		return "delayed"
	}
	switch smtpStatus {
	case "sent":
		return "delivered"
	case "bounced":
		return "bounced"
	case "deferred":
		return "deferred"
	default:
		return "error" // expired and anything unrecognized
	}
}

func defaultStatusCode(smtpStatus string, relayHandoff bool) string {
	if smtpStatus == "sent" && relayHandoff {
		return "4.0.0"
	}
	switch smtpStatus {
	case "sent":
		return "2.0.0"
	case "deferred":
		return "4.0.0"
	default:
		return "5.0.0"
	}
}

// buildDiagnostic collapses whitespace in detail and prefixes it with
// the queue id, truncated to maxDiagnosticLen so one oversized log line
// can't blow out the stored diagnostic column.
func buildDiagnostic(queueID, detail string) string {
	collapsed := strings.Join(strings.Fields(detail), " ")
	diagnostic := "queue_id=" + queueID + "; " + collapsed
	if len(diagnostic) > maxDiagnosticLen {
		diagnostic = diagnostic[:maxDiagnosticLen]
	}
	return diagnostic
}

func isQueueID(s string) bool {
	return queueIDPattern.MatchString(s)
}

func extractRelayHost(detail string) (string, bool) {
	const marker = "relay="
	i := strings.Index(detail, marker)
	if i < 0 {
		return "", false
	}
	rem := detail[i+len(marker):]
	end := strings.IndexFunc(rem, func(r rune) bool {
		return r == '[' || r == ':' || r == ',' || r == ' ' || r == '\t'
	})
	if end < 0 {
		end = len(rem)
	}
	host := strings.ToLower(strings.TrimSpace(rem[:end]))
	if host == "" {
		return "", false
	}
	return host, true
}

func isRelayHandoffHost(host string) bool {
	for _, relay := range relayHandoffHosts {
		if strings.EqualFold(host, relay) {
			return true
		}
	}
	return false
}

// localPartHash extracts the 32-character lowercase-alnum bounce hash
// from a Message-Id's local part — this system stamps every outgoing
// Message-Id with that hash so both paths can recover it. It is more
// lenient than the spool worker's dsn package, which requires the
// lowercased local part itself to be exactly 32 alphanumerics: here every
// non-alphanumeric character is dropped first and only the remainder's
// length is checked.
func localPartHash(messageID string) (string, bool) {
	v := strings.TrimSpace(messageID)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	local, _, _ := strings.Cut(v, "@")

	var b strings.Builder
	for _, r := range local {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	hash := strings.ToLower(b.String())
	if len(hash) != 32 {
		return "", false
	}
	return hash, true
}
