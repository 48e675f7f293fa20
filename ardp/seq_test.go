package ardp

import "testing"

func TestSeqGreater(t *testing.T) {
	testCases := []struct {
		seq1, seq2 uint32
		expected   bool
	}{
		{seq1: 10, seq2: 5, expected: true},
		{seq1: 5, seq2: 10, expected: false},
		{seq1: 5, seq2: 4294967295, expected: true},
		{seq1: 4294967295, seq2: 5, expected: false},
		{seq1: 2147483647, seq2: 2147483646, expected: true},
		{seq1: 2147483646, seq2: 2147483647, expected: false},
		{seq1: 0, seq2: 4294967295, expected: true},
		{seq1: 4294967295, seq2: 0, expected: false},
	}

	for _, tc := range testCases {
		if got := seqGreater(tc.seq1, tc.seq2); got != tc.expected {
			t.Errorf("seqGreater(%d, %d) = %t, want %t", tc.seq1, tc.seq2, got, tc.expected)
		}
	}
}

func TestSeqInWindow(t *testing.T) {
	if !seqInWindow(5, 1, 10) {
		t.Error("5 should be in [1, 11)")
	}
	if seqInWindow(11, 1, 10) {
		t.Error("11 should not be in [1, 11)")
	}
	// Wrap-around: lo near the top of the range.
	lo := uint32(0xFFFFFFF0)
	if !seqInWindow(5, lo, 32) {
		t.Error("5 should be in the wrapped window starting at 0xFFFFFFF0 width 32")
	}
}

func TestSeqIncrementWraps(t *testing.T) {
	if got := SeqIncrement(0xFFFFFFFF); got != 0 {
		t.Errorf("SeqIncrement(max) = %d, want 0", got)
	}
	if got := SeqIncrementBy(0xFFFFFFF0, 32); got != 0x10 {
		t.Errorf("SeqIncrementBy wrapped = %#x, want 0x10", got)
	}
}

type fixedRand struct{ v uint32 }

func (f fixedRand) Uint32() uint32 { return f.v }
