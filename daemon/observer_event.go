package daemon

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/store"
)

// parseObserverEvent decodes a kind=observer_event frame body into a
// store.Record. Per spec.md §6 the producer always writes the
// single-line key=value form; this side additionally accepts JSON of
// the same keys, since the wire contract promises consumers take
// either. A nil or empty body is the publisher's heartbeat and carries
// no record at all.
func parseObserverEvent(body []byte) (store.Record, bool, error) {
	if len(body) == 0 {
		return store.Record{}, false, nil
	}

	trimmed := strings.TrimSpace(string(body))
	var fields map[string]string
	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]string
		if err := json.Unmarshal(body, &raw); err != nil {
			return store.Record{}, false, fmt.Errorf("daemon: parse observer event json: %w: %w", bouncererr.ErrParse, err)
		}
		fields = raw
	} else {
		var err error
		fields, err = parseKeyValueLine(trimmed)
		if err != nil {
			return store.Record{}, false, fmt.Errorf("daemon: parse observer event: %w: %w", bouncererr.ErrParse, err)
		}
	}

	if fields["message_hash"] == "" || fields["recipient"] == "" {
		return store.Record{}, false, fmt.Errorf("daemon: observer event missing message_hash or recipient: %w", bouncererr.ErrParse)
	}

	ts := time.Now()
	if raw := fields["timestamp"]; raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}

	record := store.Record{
		MessageHash: fields["message_hash"],
		Recipient:   fields["recipient"],
		Action:      fields["status"],
		DSN:         fields["dsn"],
		Diagnostic:  fields["diagnostic"],
		Relay:       fields["relay"],
		Source:      fields["source"],
		Timestamp:   ts,
	}
	return record, true, nil
}

// parseKeyValueLine splits a space-separated key=value line, honoring
// double-quoted values that may themselves contain escaped quotes or
// backslashes and embedded spaces, the inverse of observer's
// quoteIfNeeded encoding.
func parseKeyValueLine(line string) (map[string]string, error) {
	fields := make(map[string]string)
	i := 0
	n := len(line)

	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("daemon: malformed key=value attribute at byte %d", i)
		}
		key := line[i : i+eq]
		i += eq + 1

		if i < n && line[i] == '"' {
			i++
			var value strings.Builder
			closed := false
			for i < n {
				c := line[i]
				if c == '\\' && i+1 < n {
					value.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				value.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("daemon: unterminated quoted value for key %q", key)
			}
			fields[key] = value.String()
			continue
		}

		start := i
		for i < n && line[i] != ' ' {
			i++
		}
		fields[key] = line[start:i]
	}

	return fields, nil
}
