// Package frame implements the byte-exact wire protocol spoken between the
// client/observer and the daemon: a fixed 16-byte header (magic, version,
// kind, three metadata lengths, a body length) followed by the metadata and
// body bytes it describes, acknowledged with a literal "OK\n".
//
// Decoding never allocates a buffer before validating the length that
// governs it, so a corrupt or hostile peer can't force an unbounded
// allocation ahead of the size check.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nyxmail/bouncer/bouncererr"
)

// Kind identifies what a frame's body carries.
type Kind uint8

const (
	KindMail          Kind = 0
	KindObserverEvent Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindMail:
		return "mail"
	case KindObserverEvent:
		return "observer_event"
	default:
		return "unknown"
	}
}

var magic = [4]byte{'B', 'N', 'C', 'E'}

const protocolVersion = 1

// headerLen is the size in bytes of the fixed-layout header: magic(4) +
// version(1) + kind(1) + from_len(2) + to_len(2) + source_len(2) +
// body_len(4).
const headerLen = 16

// Ack is written once per frame after durable commit (kind=mail) or a
// successful store apply (kind=observer_event).
const Ack = "OK\n"

// Frame is one decoded wire message.
type Frame struct {
	Kind   Kind
	From   string
	To     string
	Source string
	Body   []byte
}

// Encode writes f to w in the wire format described in the package doc.
// Any write error is returned unwrapped; callers classify it (the
// connection is simply unusable at that point).
func Encode(w io.Writer, f *Frame) error {
	from := []byte(f.From)
	to := []byte(f.To)
	source := []byte(f.Source)

	if len(from) > 0xFFFF || len(to) > 0xFFFF || len(source) > 0xFFFF {
		return fmt.Errorf("frame: metadata field exceeds 65535 bytes: %w", bouncererr.ErrProtocol)
	}

	var header [headerLen]byte
	copy(header[0:4], magic[:])
	header[4] = protocolVersion
	header[5] = byte(f.Kind)
	binary.BigEndian.PutUint16(header[6:8], uint16(len(from)))
	binary.BigEndian.PutUint16(header[8:10], uint16(len(to)))
	binary.BigEndian.PutUint16(header[10:12], uint16(len(source)))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(f.Body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	for _, b := range [][]byte{from, to, source, f.Body} {
		if len(b) == 0 {
			continue
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrom reads one frame from r. maxMetaLen bounds the sum of the
// from/to/source field lengths; maxBodyLen bounds body_len. Both checks
// happen before any buffer for the respective bytes is allocated.
//
// If the peer closes the connection cleanly before any header byte
// arrives, DecodeFrom returns io.EOF unchanged so callers (an accept loop
// reading successive frames) can tell a clean disconnect from a real
// error. Any other read failure is wrapped in bouncererr.ErrIOTransient.
// A structurally invalid header (bad magic, unsupported version, or a
// length over its bound) is wrapped in bouncererr.ErrProtocol; an
// over-bound metadata length or body_len is additionally wrapped in
// bouncererr.ErrFrameTooLarge.
func DecodeFrom(r io.Reader, maxMetaLen, maxBodyLen uint32) (*Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame: read header: %w: %w", bouncererr.ErrIOTransient, err)
	}

	if header[0] != magic[0] || header[1] != magic[1] || header[2] != magic[2] || header[3] != magic[3] {
		return nil, fmt.Errorf("frame: bad magic: %w", bouncererr.ErrProtocol)
	}
	if header[4] != protocolVersion {
		return nil, fmt.Errorf("frame: unsupported version %d: %w", header[4], bouncererr.ErrProtocol)
	}

	kind := Kind(header[5])
	if kind != KindMail && kind != KindObserverEvent {
		return nil, fmt.Errorf("frame: unknown kind %d: %w", header[5], bouncererr.ErrProtocol)
	}

	fromLen := binary.BigEndian.Uint16(header[6:8])
	toLen := binary.BigEndian.Uint16(header[8:10])
	sourceLen := binary.BigEndian.Uint16(header[10:12])
	bodyLen := binary.BigEndian.Uint32(header[12:16])

	metaLen := uint32(fromLen) + uint32(toLen) + uint32(sourceLen)
	if maxMetaLen > 0 && metaLen > maxMetaLen {
		return nil, fmt.Errorf("frame: metadata length %d exceeds maximum %d: %w: %w", metaLen, maxMetaLen, bouncererr.ErrProtocol, bouncererr.ErrFrameTooLarge)
	}
	if maxBodyLen > 0 && bodyLen > maxBodyLen {
		return nil, fmt.Errorf("frame: body length %d exceeds maximum %d: %w: %w", bodyLen, maxBodyLen, bouncererr.ErrProtocol, bouncererr.ErrFrameTooLarge)
	}

	meta := make([]byte, metaLen)
	if metaLen > 0 {
		if _, err := io.ReadFull(r, meta); err != nil {
			return nil, fmt.Errorf("frame: read metadata: %w: %w", bouncererr.ErrIOTransient, err)
		}
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("frame: read body: %w: %w", bouncererr.ErrIOTransient, err)
		}
	}

	return &Frame{
		Kind:   kind,
		From:   string(meta[0:fromLen]),
		To:     string(meta[fromLen : fromLen+toLen]),
		Source: string(meta[fromLen+toLen : fromLen+toLen+sourceLen]),
		Body:   body,
	}, nil
}

// WriteAck writes the literal three-byte ACK.
func WriteAck(w io.Writer) error {
	_, err := io.WriteString(w, Ack)
	return err
}

// ReadAck reads and validates the three-byte ACK, returning
// bouncererr.ErrAckFailed if the bytes read don't match exactly.
func ReadAck(r io.Reader) error {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("frame: read ack: %w: %w", bouncererr.ErrAckFailed, err)
	}
	if string(buf[:]) != Ack {
		return fmt.Errorf("frame: unexpected ack bytes %q: %w", buf[:], bouncererr.ErrAckFailed)
	}
	return nil
}
