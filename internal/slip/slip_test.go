package slip

import (
	"bytes"
	"testing"
)

func TestEncodeEscapesSpecialBytes(t *testing.T) {
	t.Run("escapes END", func(t *testing.T) {
		out := Encode([]byte{0xC0})
		want := []byte{0xDB, 0xDC, 0xC0}
		if !bytes.Equal(out, want) {
			t.Errorf("got %x want %x", out, want)
		}
	})

	t.Run("escapes ESC", func(t *testing.T) {
		out := Encode([]byte{0xDB})
		want := []byte{0xDB, 0xDD, 0xC0}
		if !bytes.Equal(out, want) {
			t.Errorf("got %x want %x", out, want)
		}
	})

	t.Run("passes ordinary bytes through", func(t *testing.T) {
		out := Encode([]byte{0x01, 0x02, 0x03})
		want := []byte{0x01, 0x02, 0x03, 0xC0}
		if !bytes.Equal(out, want) {
			t.Errorf("got %x want %x", out, want)
		}
	})
}

func TestDecoderRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07},
		{0xC0, 0xDB, 0x01, 0xC0, 0xDB},
		{},
	}

	var wire []byte
	for _, p := range payloads {
		wire = append(wire, Encode(p)...)
	}

	d := NewDecoder(0)
	var got [][]byte
	err := d.FeedAll(wire, func(packet []byte) error {
		cp := append([]byte(nil), packet...)
		got = append(got, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("FeedAll: %v", err)
	}

	nonEmpty := 0
	for _, p := range payloads {
		if len(p) > 0 {
			nonEmpty++
		}
	}
	if len(got) != nonEmpty {
		t.Fatalf("expected %d decoded packets, got %d", nonEmpty, len(got))
	}

	idx := 0
	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		if !bytes.Equal(got[idx], p) {
			t.Errorf("packet %d mismatch: got %x want %x", idx, got[idx], p)
		}
		idx++
	}
}

func TestDecoderRejectsOversizedPacket(t *testing.T) {
	d := NewDecoder(4)
	wire := Encode([]byte{1, 2, 3, 4, 5})

	sawOverflow := false
	err := d.FeedAll(wire, func([]byte) error { return nil })
	if err != nil {
		sawOverflow = true
	}
	if !sawOverflow {
		t.Error("expected packet-overflow error for oversized frame")
	}
}

func TestDecoderRecoversAfterOverflow(t *testing.T) {
	d := NewDecoder(4)
	_ = d.FeedAll(Encode([]byte{1, 2, 3, 4, 5}), func([]byte) error { return nil })

	var got []byte
	err := d.FeedAll(Encode([]byte{9, 9}), func(packet []byte) error {
		got = packet
		return nil
	})
	if err != nil {
		t.Fatalf("expected clean decode after overflow reset, got %v", err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("got %x want 0909", got)
	}
}
