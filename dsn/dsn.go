// Package dsn extracts the handful of fields the store needs from a
// spooled bounce report: the message hash that ties it back to the
// original send, the recipient, and the delivery status.
//
// It walks only as much MIME structure as a standard multipart/report
// delivery status notification has — a human-readable part, a
// message/delivery-status part, and an original-headers part — rather
// than attempting to recover every field a bounce might theoretically
// carry. A report that isn't shaped this way is reported as
// bouncererr.ErrParse and the spool worker moves it to failed/.
package dsn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/emersion/go-message"

	"github.com/nyxmail/bouncer/bouncererr"
)

// Report is the set of fields store.Record needs, extracted from one
// spooled .eml bounce report.
type Report struct {
	MessageHash string
	Recipient   string
	Action      string // delivered, failed, delayed, relayed, expanded
	DSN         string // "N.N.N"
	Diagnostic  string
	Relay       string
}

var hashPattern = regexp.MustCompile(`^[a-z0-9]{32}$`)

// hashHeaders is the search order for the message hash: the original
// Message-Id first, then X-Message-Id, then the dedicated X-Bounce-Hash
// header.
var hashHeaders = []string{"Message-Id", "X-Message-Id", "X-Bounce-Hash"}

// Parse reads one RFC 5322 message and extracts a Report from its
// multipart/report structure.
func Parse(raw []byte) (*Report, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("dsn: %w: %w", bouncererr.ErrParse, err)
	}

	mediaType, params, _ := entity.Header.ContentType()
	if !strings.EqualFold(mediaType, "multipart/report") {
		return nil, fmt.Errorf("dsn: not a multipart/report message (got %q): %w", mediaType, bouncererr.ErrParse)
	}
	_ = params // report-type isn't load-bearing; we identify parts by their own content type

	report := &Report{}
	var deliveryStatusFound, headersFound bool

	mr := entity.MultipartReader()
	if mr == nil {
		return nil, fmt.Errorf("dsn: multipart/report has no parts: %w", bouncererr.ErrParse)
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		partType, _, _ := part.Header.ContentType()

		switch {
		case strings.EqualFold(partType, "message/delivery-status"):
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("dsn: read delivery-status part: %w: %w", bouncererr.ErrParse, err)
			}
			if err := mergeDeliveryStatus(report, body); err != nil {
				return nil, err
			}
			deliveryStatusFound = true

		case strings.EqualFold(partType, "message/rfc822-headers"), strings.EqualFold(partType, "message/rfc822"):
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("dsn: read original-headers part: %w: %w", bouncererr.ErrParse, err)
			}
			hash, found := extractHash(body)
			if found {
				report.MessageHash = hash
				headersFound = true
			}
		}
	}

	if !deliveryStatusFound {
		return nil, fmt.Errorf("dsn: no message/delivery-status part found: %w", bouncererr.ErrParse)
	}
	if !headersFound || report.MessageHash == "" {
		return nil, fmt.Errorf("dsn: no message hash found in original headers (checked %v): %w", hashHeaders, bouncererr.ErrParse)
	}
	if report.DSN == "" {
		return nil, fmt.Errorf("dsn: delivery-status part has no Status field: %w", bouncererr.ErrParse)
	}

	return report, nil
}

// mergeDeliveryStatus reads the per-message field block, then the first
// per-recipient field block, out of a message/delivery-status body. A
// DSN with multiple recipient blocks only yields the first one — this
// system's own outbound mail is always addressed to a single recipient
// per message, so a single Report per parse matches the original
// implementation's behavior.
func mergeDeliveryStatus(report *Report, body []byte) error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(body)))

	// Per-message fields (Reporting-MTA, etc.) — read and discard.
	if _, err := tp.ReadMIMEHeader(); err != nil && !isHeaderEOF(err) {
		return fmt.Errorf("dsn: read delivery-status per-message fields: %w: %w", bouncererr.ErrParse, err)
	}

	recipientFields, err := tp.ReadMIMEHeader()
	if err != nil && !isHeaderEOF(err) {
		return fmt.Errorf("dsn: read delivery-status per-recipient fields: %w: %w", bouncererr.ErrParse, err)
	}

	report.Action = strings.ToLower(strings.TrimSpace(recipientFields.Get("Action")))
	report.DSN = extractStatusCode(recipientFields.Get("Status"))
	report.Diagnostic = strings.TrimSpace(recipientFields.Get("Diagnostic-Code"))
	report.Relay = firstNonEmpty(recipientFields.Get("Remote-Mta"), recipientFields.Get("Reporting-Mta"))
	report.Recipient = extractAddress(firstNonEmpty(
		recipientFields.Get("Final-Recipient"),
		recipientFields.Get("Original-Recipient"),
	))

	return nil
}

func isHeaderEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// extractStatusCode strips an RFC 3464 status-code's "enhanced code"
// form down to its bare "N.N.N" (textproto.MIMEHeader.Get already trims
// surrounding whitespace; some MTAs append trailing prose after a space).
func extractStatusCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, " \t"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// extractAddress strips an address-type prefix ("rfc822;") and angle
// brackets from a Final-Recipient/Original-Recipient field value.
func extractAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, ";"); i >= 0 {
		raw = strings.TrimSpace(raw[i+1:])
	}
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")
	return raw
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// extractHash searches rawHeaders (a block of RFC 822 header lines, with
// or without a terminating blank line) for the first header in
// hashHeaders whose local-part matches the 32-character lowercase-alnum
// hash convention.
func extractHash(rawHeaders []byte) (string, bool) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(rawHeaders)))
	header, err := tp.ReadMIMEHeader()
	if err != nil && !isHeaderEOF(err) {
		return "", false
	}

	for _, name := range hashHeaders {
		val := header.Get(name)
		if val == "" {
			continue
		}
		if hash, ok := localPartHash(val); ok {
			return hash, true
		}
	}
	return "", false
}

func localPartHash(headerValue string) (string, bool) {
	v := strings.TrimSpace(headerValue)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	local, _, found := strings.Cut(v, "@")
	if !found {
		local = v
	}
	local = strings.ToLower(local)
	if hashPattern.MatchString(local) {
		return local, true
	}
	return "", false
}
