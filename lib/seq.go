package lib

import (
	crand "crypto/rand"
	"encoding/binary"
)

// SEQ compare helpers with 32-bit wraparound in mind. All sequence numbers
// on a live connection stay within one window of each other, so the signed
// difference is the distance.

func seqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func seqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

// inRange reports whether p falls in [beg, beg+size), accounting for
// wrap-around of the region.
func inRange(beg, size, p uint32) bool {
	return p-beg < size
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(crand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
