package ardp

import (
	"encoding/binary"
	"fmt"
)

// Header is the decoded form of the fixed data/ack wire header described in
// the protocol's wire codec, including the optional FRAG extension and
// trailing EACK bitmask.
type Header struct {
	Flags   uint8
	HLen    uint8 // header length in units of 2 octets, as carried on the wire
	Src     uint16
	Dst     uint16
	DLen    uint16
	Seq     uint32
	Ack     uint32
	Window  uint16
	TTL     uint16 // data segments: per-message TTL in ms
	SOM     uint32 // valid iff FlagFRAG set
	FCnt    uint16 // valid iff FlagFRAG set
	EackLen int    // number of populated 32-bit EACK words, 0 if FlagEACK unset

	// SYN-only fields, valid iff FlagSYN set.
	SegMax  uint16
	SegBMax uint16
	Options uint8
}

func (h *Header) hasFrag() bool { return h.Flags&FlagFRAG != 0 }
func (h *Header) hasEack() bool { return h.Flags&FlagEACK != 0 }
func (h *Header) hasSyn() bool  { return h.Flags&FlagSYN != 0 }

// wireHeaderLen returns the number of header bytes (excluding any EACK
// bitmask) this header occupies once encoded.
func (h *Header) wireHeaderLen() int {
	if h.hasSyn() {
		return BaseHeaderLen + SynExtraLen
	}
	n := BaseHeaderLen
	if h.hasFrag() {
		n += FragExtraLen
	}
	return n
}

// EncodedLen returns the total wire length of this header, including any
// trailing EACK mask words.
func (h *Header) EncodedLen() int {
	n := h.wireHeaderLen()
	if h.hasEack() {
		n += h.EackLen * eackWordLen
	}
	return n
}

// Marshal encodes h and the optional eackMask (host-order words, written
// network-order on the wire) into buf, which must be at least
// h.EncodedLen() bytes. It returns the number of bytes written.
func Marshal(h *Header, eackMask []uint32, buf []byte) (int, error) {
	n := h.EncodedLen()
	if len(buf) < n {
		return 0, fmt.Errorf("ardp: marshal: buffer of %d bytes too small for %d-byte header", len(buf), n)
	}

	buf[0] = h.Flags
	buf[1] = h.HLen
	binary.BigEndian.PutUint16(buf[2:4], h.Src)
	binary.BigEndian.PutUint16(buf[4:6], h.Dst)
	binary.BigEndian.PutUint16(buf[6:8], h.DLen)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.Ack)
	binary.BigEndian.PutUint16(buf[16:18], h.Window)

	if h.hasSyn() {
		// bytes 18:20 are unused padding in the SYN layout
		binary.BigEndian.PutUint16(buf[20:22], h.SegMax)
		binary.BigEndian.PutUint16(buf[22:24], h.SegBMax)
		buf[24] = h.Options
		buf[25] = 0 // pad
	} else {
		binary.BigEndian.PutUint16(buf[18:20], h.TTL)
		if h.hasFrag() {
			binary.BigEndian.PutUint32(buf[20:24], h.SOM)
			binary.BigEndian.PutUint16(buf[24:26], h.FCnt)
		}
	}

	if h.hasEack() {
		off := h.wireHeaderLen()
		for i := 0; i < h.EackLen; i++ {
			binary.BigEndian.PutUint32(buf[off+i*eackWordLen:off+(i+1)*eackWordLen], eackMask[i])
		}
	}

	return n, nil
}

// Unmarshal decodes a Header from data. wantHLen is the header length (in
// 2-octet units, as the HLen field carries it) already agreed for this
// connection; pass 0 during the SYN handshake, when no length has been
// agreed yet and the SYN flag alone determines the layout.
//
// Unmarshal returns an error wrapping ErrInvalidData when the declared HLen
// of a segment without SYN or FRAG is inconsistent with the connection's
// agreed header length, or when DLen differs from the number of bytes that
// follow the header.
func Unmarshal(data []byte, wantHLen uint8) (*Header, error) {
	if len(data) < BaseHeaderLen {
		return nil, fmt.Errorf("%w: segment shorter than base header (%d bytes)", ErrInvalidData, len(data))
	}

	h := &Header{
		Flags:  data[0],
		HLen:   data[1],
		Src:    binary.BigEndian.Uint16(data[2:4]),
		Dst:    binary.BigEndian.Uint16(data[4:6]),
		DLen:   binary.BigEndian.Uint16(data[6:8]),
		Seq:    binary.BigEndian.Uint32(data[8:12]),
		Ack:    binary.BigEndian.Uint32(data[12:16]),
		Window: binary.BigEndian.Uint16(data[16:18]),
	}

	if wantHLen != 0 && !h.hasSyn() && !h.hasFrag() && h.HLen != wantHLen {
		return nil, fmt.Errorf("%w: hlen=%d disagrees with connection's agreed length %d", ErrInvalidData, h.HLen, wantHLen)
	}

	if h.hasSyn() {
		if len(data) < BaseHeaderLen+SynExtraLen {
			return nil, fmt.Errorf("%w: SYN segment shorter than %d bytes", ErrInvalidData, BaseHeaderLen+SynExtraLen)
		}
		h.SegMax = binary.BigEndian.Uint16(data[20:22])
		h.SegBMax = binary.BigEndian.Uint16(data[22:24])
		h.Options = data[24]
	} else {
		h.TTL = binary.BigEndian.Uint16(data[18:20])
		if h.hasFrag() {
			if len(data) < BaseHeaderLen+FragExtraLen {
				return nil, fmt.Errorf("%w: FRAG segment shorter than %d bytes", ErrInvalidData, BaseHeaderLen+FragExtraLen)
			}
			h.SOM = binary.BigEndian.Uint32(data[20:24])
			h.FCnt = binary.BigEndian.Uint16(data[24:26])
		}
	}

	off := h.wireHeaderLen()
	if h.hasEack() {
		remaining := len(data) - off
		if remaining < 0 || remaining%eackWordLen != 0 {
			return nil, fmt.Errorf("%w: EACK mask not a whole number of 32-bit words", ErrInvalidData)
		}
		h.EackLen = remaining / eackWordLen
		off += h.EackLen * eackWordLen
	}

	if int(h.DLen) != len(data)-off {
		return nil, fmt.Errorf("%w: dlen=%d does not match %d trailing bytes", ErrInvalidData, h.DLen, len(data)-off)
	}

	return h, nil
}

// EackMask extracts the EACK bitmask words (host order) from a segment
// already validated by Unmarshal.
func EackMask(data []byte, h *Header) []uint32 {
	if !h.hasEack() || h.EackLen == 0 {
		return nil
	}
	off := h.wireHeaderLen()
	mask := make([]uint32, h.EackLen)
	for i := 0; i < h.EackLen; i++ {
		mask[i] = binary.BigEndian.Uint32(data[off+i*eackWordLen : off+(i+1)*eackWordLen])
	}
	return mask
}

// Payload returns the data portion of a segment already validated by
// Unmarshal.
func Payload(data []byte, h *Header) []byte {
	off := h.wireHeaderLen()
	if h.hasEack() {
		off += h.EackLen * eackWordLen
	}
	return data[off:]
}
