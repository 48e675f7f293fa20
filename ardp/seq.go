package ardp

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// SeqIncrement advances a 32-bit sequence number by one with implicit
// modulo-2^32 wraparound.
func SeqIncrement(seq uint32) uint32 {
	return uint32(uint64(seq) + 1)
}

// SeqIncrementBy advances seq by inc with implicit wraparound.
func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc))
}

// seqGreater reports whether seq1 is ahead of seq2 on the 32-bit sequence
// circle, treating whichever of the two possible distances is shorter as
// authoritative. This is the one place wraparound-sensitive ordering is
// decided; every other comparison in the package is built from it.
func seqGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}

	var diff int64 = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff := int64(math.MaxUint32+1) - diff

	var distance int64
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func seqGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqGreater(seq1, seq2) || seq1 == seq2
}

func seqLess(seq1, seq2 uint32) bool {
	return !seqGreaterOrEqual(seq1, seq2)
}

func seqLessOrEqual(seq1, seq2 uint32) bool {
	return !seqGreater(seq1, seq2)
}

// seqInWindow reports whether seq lies in [lo, lo+width) modulo 2^32, the
// acceptance test used for both the send and receive windows.
func seqInWindow(seq, lo uint32, width uint32) bool {
	return seqGreaterOrEqual(seq, lo) && seqLess(seq, SeqIncrementBy(lo, width))
}

// RandSource supplies the randomness the engine needs for initial sequence
// numbers and ephemeral port selection. Accepting it as an interface (rather
// than seeding math/rand from wall-clock time, as the protocol this engine
// reimplements does) keeps connection setup reproducible under test.
type RandSource interface {
	Uint32() uint32
}

// cryptoRandSource draws from crypto/rand, the default when AllocHandle is
// given a nil RandSource.
type cryptoRandSource struct{}

func (cryptoRandSource) Uint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is not something callers can usefully
		// recover from; fall back to a fixed, clearly-non-random value
		// rather than panicking mid-handshake.
		return 0x9e3779b9
	}
	return binary.BigEndian.Uint32(buf[:])
}

// DefaultRandSource is the package-level fallback RandSource.
var DefaultRandSource RandSource = cryptoRandSource{}
