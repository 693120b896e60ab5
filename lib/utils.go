package lib

import (
	"net/netip"
	"time"
)

// SEQ compare functions with SEQ wraparound in mind. Two sequence numbers
// are ordered by the sign of their 32-bit difference, which is valid while
// they are less than 2^31 apart.
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqBetween reports lo <= seq < hi.
func seqBetween(seq, lo, hi uint32) bool {
	return isGreaterOrEqual(seq, lo) && isLess(seq, hi)
}

// seqDiff returns a-b as a signed distance.
func seqDiff(a, b uint32) int {
	return int(int32(a - b))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// connKey identifies a connection by its 4-tuple.
type connKey struct {
	local, remote netip.AddrPort
}

func (k connKey) String() string {
	return k.local.String() + "-" + k.remote.String()
}
