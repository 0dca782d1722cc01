package observer

import "testing"

const sampleHash = "abcdefghijklmnopqrstuvwxyz012345"

func TestParseLineCleanupExtractsQueueIDAndHash(t *testing.T) {
	line := "Aug  3 10:00:00 mail postfix/cleanup[12345]: ABCDEF12: message-id=<" + sampleHash + "@example.com>"

	parsed, ok := parseLine(line)
	if !ok || parsed.cleanup == nil {
		t.Fatalf("expected cleanup event, got %+v ok=%v", parsed, ok)
	}
	if parsed.cleanup.queueID != "ABCDEF12" {
		t.Errorf("queueID = %q", parsed.cleanup.queueID)
	}
	if parsed.cleanup.hash != sampleHash {
		t.Errorf("hash = %q", parsed.cleanup.hash)
	}
}

func TestParseLineCleanupRejectsShortHash(t *testing.T) {
	line := "Aug  3 10:00:00 mail postfix/cleanup[12345]: ABCDEF12: message-id=<tooshort@example.com>"

	_, ok := parseLine(line)
	if ok {
		t.Fatal("expected parse to fail for a non-32-char hash")
	}
}

func TestParseLineSMTPSentIsDelivered(t *testing.T) {
	line := "Aug  3 10:00:05 mail postfix/smtp[12346]: ABCDEF12: to=<bob@example.org>, relay=mx.example.org[1.2.3.4]:25, dsn=2.0.0, status=sent (250 ok)"

	parsed, ok := parseLine(line)
	if !ok || parsed.smtp == nil {
		t.Fatalf("expected smtp event, got %+v ok=%v", parsed, ok)
	}
	se := parsed.smtp
	if se.queueID != "ABCDEF12" || se.recipient != "bob@example.org" {
		t.Errorf("unexpected fields: %+v", se)
	}
	if se.action != "delivered" {
		t.Errorf("action = %q, want delivered", se.action)
	}
	if se.dsn != "2.0.0" {
		t.Errorf("dsn = %q", se.dsn)
	}
	if se.relay != "mx.example.org" {
		t.Errorf("relay = %q", se.relay)
	}
}

func TestParseLineSMTPBouncedIsFailed(t *testing.T) {
	line := "Aug  3 10:00:05 mail postfix/smtp[12346]: ABCDEF12: to=<bob@example.org>, relay=mx.example.org[1.2.3.4]:25, dsn=5.1.1, status=bounced (550 no such user)"

	parsed, ok := parseLine(line)
	if !ok || parsed.smtp == nil {
		t.Fatalf("expected smtp event")
	}
	if parsed.smtp.action != "failed" {
		t.Errorf("action = %q, want failed", parsed.smtp.action)
	}
}

func TestParseLineSMTPDeferredIsDelayed(t *testing.T) {
	line := "Aug  3 10:00:05 mail postfix/smtp[12346]: ABCDEF12: to=<bob@example.org>, status=deferred (connection timed out)"

	parsed, ok := parseLine(line)
	if !ok || parsed.smtp == nil {
		t.Fatalf("expected smtp event")
	}
	if parsed.smtp.action != "delayed" {
		t.Errorf("action = %q, want delayed", parsed.smtp.action)
	}
	if parsed.smtp.dsn != "4.0.0" {
		t.Errorf("dsn = %q, want default 4.0.0", parsed.smtp.dsn)
	}
}

func TestParseLineSentToRelayHandoffHostIsDelayed(t *testing.T) {
	line := "Aug  3 10:00:05 mail postfix/smtp[12346]: ABCDEF12: to=<bob@example.org>, relay=mxbg.nxmango.com[5.6.7.8]:25, status=sent (250 queued)"

	parsed, ok := parseLine(line)
	if !ok || parsed.smtp == nil {
		t.Fatalf("expected smtp event")
	}
	if parsed.smtp.action != "delayed" {
		t.Errorf("action = %q, want delayed for relay handoff", parsed.smtp.action)
	}
	if parsed.smtp.dsn != "4.0.0" {
		t.Errorf("dsn = %q, want default 4.0.0 for relay handoff", parsed.smtp.dsn)
	}
}

func TestParseLineIgnoresNonPostfixLines(t *testing.T) {
	_, ok := parseLine("Aug  3 10:00:00 mail sshd[1]: Accepted publickey for root")
	if ok {
		t.Fatal("expected non-postfix line to be rejected")
	}
}

func TestParseLineIgnoresOtherPostfixServices(t *testing.T) {
	_, ok := parseLine("Aug  3 10:00:00 mail postfix/qmgr[1]: ABCDEF12: removed")
	if ok {
		t.Fatal("expected postfix/qmgr line to be ignored")
	}
}

func TestBuildDiagnosticTruncatesAtMaxLength(t *testing.T) {
	long := make([]byte, maxDiagnosticLen*2)
	for i := range long {
		long[i] = 'x'
	}
	d := buildDiagnostic("Q1", string(long))
	if len(d) > maxDiagnosticLen {
		t.Errorf("diagnostic length = %d, want <= %d", len(d), maxDiagnosticLen)
	}
}
