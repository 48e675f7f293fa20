package ardp

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTripBase(t *testing.T) {
	h := &Header{
		Flags:  FlagACK | FlagVER,
		HLen:   uint8(BaseHeaderLen / 2),
		Src:    100,
		Dst:    200,
		Seq:    42,
		Ack:    41,
		Window: 10,
		TTL:    500,
	}
	payload := []byte("hello world")
	h.DLen = uint16(len(payload))

	buf := make([]byte, h.EncodedLen()+len(payload))
	n, err := Marshal(h, nil, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	copy(buf[n:], payload)

	got, err := Unmarshal(buf, h.HLen)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Src != h.Src || got.Dst != h.Dst || got.Seq != h.Seq || got.Ack != h.Ack || got.Window != h.Window || got.TTL != h.TTL {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if !bytes.Equal(Payload(buf, got), payload) {
		t.Errorf("payload mismatch: got %q, want %q", Payload(buf, got), payload)
	}
}

func TestHeaderRoundTripFrag(t *testing.T) {
	h := &Header{
		Flags: FlagACK | FlagVER | FlagFRAG,
		Src:   1, Dst: 2, Seq: 7, Ack: 6, Window: 3, TTL: 0,
		SOM: 5, FCnt: 3,
	}
	buf := make([]byte, h.EncodedLen())
	n, err := Marshal(h, nil, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(buf[:n], 0)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SOM != 5 || got.FCnt != 3 {
		t.Errorf("frag fields mismatch: som=%d fcnt=%d", got.SOM, got.FCnt)
	}
}

func TestHeaderRoundTripSyn(t *testing.T) {
	h := &Header{
		Flags: FlagSYN | FlagVER,
		Src:   10, Dst: 0, Seq: 100,
		SegMax: 32, SegBMax: 2048, Options: OptSDM,
	}
	buf := make([]byte, h.EncodedLen())
	n, err := Marshal(h, nil, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(buf[:n], 0)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SegMax != 32 || got.SegBMax != 2048 || got.Options != OptSDM {
		t.Errorf("syn fields mismatch: %+v", got)
	}
}

func TestUnmarshalRejectsShortSegment(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2, 3}, 0); err == nil {
		t.Error("expected InvalidData for a too-short segment")
	}
}

func TestUnmarshalRejectsDlenMismatch(t *testing.T) {
	h := &Header{Flags: FlagACK | FlagVER, Src: 1, Dst: 2, Seq: 1, Ack: 1, DLen: 5}
	buf := make([]byte, h.EncodedLen())
	n, _ := Marshal(h, nil, buf)
	// buf carries no trailing payload even though DLen says 5.
	if _, err := Unmarshal(buf[:n], 0); err == nil {
		t.Error("expected InvalidData when dlen disagrees with actual trailing bytes")
	}
}

func TestHeaderWithEack(t *testing.T) {
	h := &Header{Flags: FlagACK | FlagEACK | FlagVER, Src: 1, Dst: 2, Seq: 9, Ack: 8}
	mask := []uint32{0xF0000000, 0x0000000F}
	h.EackLen = len(mask)
	buf := make([]byte, h.EncodedLen())
	n, err := Marshal(h, mask, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(buf[:n], 0)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	gotMask := EackMask(buf[:n], got)
	if len(gotMask) != 2 || gotMask[0] != mask[0] || gotMask[1] != mask[1] {
		t.Errorf("EACK mask mismatch: got %v, want %v", gotMask, mask)
	}
}
