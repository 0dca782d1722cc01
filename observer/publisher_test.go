package observer

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeDeliveryEventProducesKeyValuePairs(t *testing.T) {
	event := DeliveryEvent{
		Hash:       "abcdefghijklmnopqrstuvwxyz012345",
		QueueID:    "ABCDEF12",
		Recipient:  "bob@example.org",
		DSN:        "5.1.1",
		Action:     "failed",
		Diagnostic: "queue_id=ABCDEF12; 550 no such user",
		Relay:      "mx.example.org",
		SMTPStatus: "bounced",
		ObservedAt: time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC),
	}

	encoded := string(encodeDeliveryEvent("mailhost1", event))

	for _, want := range []string{
		"message_hash=abcdefghijklmnopqrstuvwxyz012345",
		"recipient=bob@example.org",
		"dsn=5.1.1",
		"status=bounced",
		`diagnostic="queue_id=ABCDEF12; 550 no such user"`,
		"relay=mx.example.org",
		"timestamp=2026-08-03T12:00:00Z",
		"source=mailhost1",
	} {
		if !strings.Contains(encoded, want) {
			t.Errorf("encoded body %q missing %q", encoded, want)
		}
	}
}

func TestQuoteIfNeededOnlyQuotesWhenNecessary(t *testing.T) {
	if quoteIfNeeded("bob@example.org") != "bob@example.org" {
		t.Error("plain value should not be quoted")
	}
	if quoteIfNeeded("") != `""` {
		t.Error("empty value should be quoted as an empty string")
	}
	if got := quoteIfNeeded(`say "hi"`); got != `"say \"hi\""` {
		t.Errorf("quoteIfNeeded = %q", got)
	}
}

func TestSanitizeHeaderValueStripsCRLF(t *testing.T) {
	if got := sanitizeHeaderValue("host\r\nname"); got != "hostname" {
		t.Errorf("sanitizeHeaderValue = %q", got)
	}
}
