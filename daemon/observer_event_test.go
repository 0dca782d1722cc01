package daemon

import "testing"

func TestParseObserverEventKeyValueForm(t *testing.T) {
	body := []byte(`message_hash=abcdefghijklmnopqrstuvwxyz012345 recipient=bob@example.org dsn=5.1.1 status=failed diagnostic="550 no such user" relay=mx.example.org timestamp=2026-08-03T12:00:00Z source=mailhost1`)

	record, ok, err := parseObserverEvent(body)
	if err != nil {
		t.Fatalf("parseObserverEvent returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a non-empty body")
	}
	if record.MessageHash != "abcdefghijklmnopqrstuvwxyz012345" {
		t.Errorf("MessageHash = %q", record.MessageHash)
	}
	if record.Recipient != "bob@example.org" {
		t.Errorf("Recipient = %q", record.Recipient)
	}
	if record.Diagnostic != "550 no such user" {
		t.Errorf("Diagnostic = %q", record.Diagnostic)
	}
	if record.Action != "failed" {
		t.Errorf("Action = %q", record.Action)
	}
	if record.Timestamp.Year() != 2026 {
		t.Errorf("Timestamp = %v", record.Timestamp)
	}
}

func TestParseObserverEventJSONForm(t *testing.T) {
	body := []byte(`{"message_hash":"abcdefghijklmnopqrstuvwxyz012345","recipient":"bob@example.org","dsn":"2.0.0","status":"delivered","diagnostic":"","relay":"mx.example.org","timestamp":"2026-08-03T12:00:00Z","source":"mailhost1"}`)

	record, ok, err := parseObserverEvent(body)
	if err != nil {
		t.Fatalf("parseObserverEvent returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if record.Action != "delivered" {
		t.Errorf("Action = %q", record.Action)
	}
}

func TestParseObserverEventEmptyBodyIsHeartbeat(t *testing.T) {
	_, ok, err := parseObserverEvent(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an empty (heartbeat) body")
	}
}

func TestParseObserverEventMissingRequiredFieldFails(t *testing.T) {
	body := []byte(`dsn=5.1.1 status=failed`)
	_, _, err := parseObserverEvent(body)
	if err == nil {
		t.Fatal("expected error for a body missing message_hash and recipient")
	}
}

func TestParseKeyValueLineHandlesEscapedQuotes(t *testing.T) {
	fields, err := parseKeyValueLine(`diagnostic="he said \"hi\"" relay=mx.example.org`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields["diagnostic"] != `he said "hi"` {
		t.Errorf("diagnostic = %q", fields["diagnostic"])
	}
	if fields["relay"] != "mx.example.org" {
		t.Errorf("relay = %q", fields["relay"])
	}
}

func TestParseKeyValueLineRejectsUnterminatedQuote(t *testing.T) {
	_, err := parseKeyValueLine(`diagnostic="unterminated`)
	if err == nil {
		t.Fatal("expected error for an unterminated quoted value")
	}
}
