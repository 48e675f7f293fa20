package ardp

import "math/bits"

// eackMask tracks which sequences above the cumulative ack have been
// received out of order, as a run of 32-bit words. Bit k of the mask (MSB
// first within a word, words in ascending order) set means RCV.CUR+2+k has
// been buffered. fixedSz is the mask's allocated capacity in words,
// ceil(RCV.MAX/32); sz is how much of that capacity currently holds a
// meaningful bit (it only ever grows to cover the highest set bit, then
// shrinks again as shiftLeft retires leading words).
type eackMask struct {
	fixedSz int
	words   []uint32
	sz      int
}

func newEackMask(rcvMax int) *eackMask {
	fixedSz := (rcvMax + 31) / 32
	if fixedSz == 0 {
		fixedSz = 1
	}
	return &eackMask{
		fixedSz: fixedSz,
		words:   make([]uint32, fixedSz),
	}
}

// set marks bit k (0-based, k==0 meaning RCV.CUR+2) as buffered, extending
// sz if necessary.
func (m *eackMask) set(k int) {
	word, bit := k/32, k%32
	if word >= m.fixedSz {
		return // beyond the negotiated receive window; caller already rejected it
	}
	m.words[word] |= 1 << (31 - uint(bit))
	if word+1 > m.sz {
		m.sz = word + 1
	}
}

func (m *eackMask) isSet(k int) bool {
	word, bit := k/32, k%32
	if word >= m.fixedSz {
		return false
	}
	return m.words[word]&(1<<(31-uint(bit))) != 0
}

// shiftLeft advances the mask's origin by n bits, the bookkeeping performed
// after RCV.CUR moves forward across previously-out-of-order slots that are
// now being delivered in order.
func (m *eackMask) shiftLeft(n int) {
	if n <= 0 {
		return
	}
	wordShift, bitShift := n/32, n%32
	for i := 0; i < m.fixedSz; i++ {
		src := i + wordShift
		var hi, lo uint32
		if src < m.fixedSz {
			hi = m.words[src]
		}
		if bitShift != 0 && src+1 < m.fixedSz {
			lo = m.words[src+1] >> uint(32-bitShift)
		}
		if bitShift != 0 {
			hi <<= uint(bitShift)
		}
		m.words[i] = hi | lo
	}
	m.sz -= wordShift
	if m.sz < 0 {
		m.sz = 0
	}
}

// clearAll zeroes the mask without changing its capacity.
func (m *eackMask) clearAll() {
	for i := range m.words {
		m.words[i] = 0
	}
	m.sz = 0
}

// populated reports the total number of set bits across the populated
// prefix of the mask.
func (m *eackMask) populated() int {
	n := 0
	for _, w := range m.words[:m.sz] {
		n += bits.OnesCount32(w)
	}
	return n
}

// snapshot returns a copy of the populated prefix of the mask in host
// order, suitable for handing to Marshal.
func (m *eackMask) snapshot() []uint32 {
	out := make([]uint32, m.sz)
	copy(out, m.words[:m.sz])
	return out
}
