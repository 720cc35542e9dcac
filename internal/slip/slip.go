// Package slip implements RFC 1055 SLIP framing (spec §4.6, §6.1): END
// byte 0xC0 delimits packets, ESC byte 0xDB escapes a literal END as
// "DB DC" and a literal ESC as "DB DD". No teacher or pack example
// implements SLIP, so this package follows the RFC directly, in the
// streaming-decoder shape spec §4.6 calls for ("a streaming byte-level
// decoder maintains per-connection state") and in the error-returning
// idiom the rest of hsmcore uses.
package slip

import (
	"github.com/cryptech/hsmcore/internal/herr"
)

const (
	end     byte = 0xC0
	esc     byte = 0xDB
	escEnd  byte = 0xDC
	escEsc  byte = 0xDD
)

// DefaultMaxPacket is the configurable maximum packet size from spec
// §6.1 ("Maximum packet size: 16,384 bytes (configurable)").
const DefaultMaxPacket = 16384

// Encode wraps payload in a single SLIP frame: an escaped copy of
// payload followed by one trailing END byte. hsmcore does not emit a
// leading END (RFC 1055 treats it as optional and some receivers key
// off a bare trailing delimiter), matching spec §6.1's "delimited by
// 0xC0" without specifying a leading one.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	for _, b := range payload {
		switch b {
		case end:
			out = append(out, esc, escEnd)
		case esc:
			out = append(out, esc, escEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, end)
	return out
}

// Decoder is a streaming SLIP de-framer: feed it bytes as they arrive
// over the transport, and it emits one complete, unescaped packet each
// time a frame's trailing END byte is seen.
type Decoder struct {
	maxPacket int
	buf       []byte
	inEsc     bool
}

// NewDecoder returns a Decoder that rejects packets larger than
// maxPacket bytes (spec §6.1, §7 "oversized packet returns
// packet-overflow"). A maxPacket of 0 selects DefaultMaxPacket.
func NewDecoder(maxPacket int) *Decoder {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacket
	}
	return &Decoder{maxPacket: maxPacket}
}

// Feed processes one incoming byte. It returns (packet, true, nil) when
// b completes a frame, (nil, false, nil) when more bytes are needed,
// and a non-nil error if the accumulating packet exceeds maxPacket
// (the decoder resets its buffer after reporting the overflow so the
// next frame can be decoded cleanly).
func (d *Decoder) Feed(b byte) ([]byte, bool, error) {
	if d.inEsc {
		d.inEsc = false
		switch b {
		case escEnd:
			return d.appendByte(end)
		case escEsc:
			return d.appendByte(esc)
		default:
			// Not a valid escape sequence; pass both bytes through
			// literally rather than silently dropping data.
			if _, _, err := d.appendByte(esc); err != nil {
				return nil, false, err
			}
			return d.appendByte(b)
		}
	}

	switch b {
	case end:
		if len(d.buf) == 0 {
			// Leading/duplicate END; treat as frame separator noise.
			return nil, false, nil
		}
		packet := d.buf
		d.buf = nil
		return packet, true, nil
	case esc:
		d.inEsc = true
		return nil, false, nil
	default:
		return d.appendByte(b)
	}
}

func (d *Decoder) appendByte(b byte) ([]byte, bool, error) {
	if len(d.buf) >= d.maxPacket {
		d.buf = nil
		d.inEsc = false
		return nil, false, herr.New(herr.RPCPacketOverflow, "slip.Decoder.Feed", nil)
	}
	d.buf = append(d.buf, b)
	return nil, false, nil
}

// FeedAll processes a chunk of bytes, invoking emit for each completed
// packet in order. It stops and returns the first error encountered,
// leaving the decoder's internal state reset for the next call.
func (d *Decoder) FeedAll(chunk []byte, emit func(packet []byte) error) error {
	for _, b := range chunk {
		packet, ok, err := d.Feed(b)
		if err != nil {
			return err
		}
		if ok {
			if err := emit(packet); err != nil {
				return err
			}
		}
	}
	return nil
}
