package storage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	// Fixed width layout of the meta "seq" record:
	// Offset 0-7: commit count (8 bytes, little-endian int64, using 56 bits)
	// Offset 8-15: leaf ordinal (8 bytes, little-endian int64, using 56 bits)
	commitCountOffset = 0
	ordinalOffset     = 8
	seqRecordSize     = 16

	seqMask = 0x00FFFFFFFFFFFFFF
)

// SeqState is the persisted sequence state.
type SeqState struct {
	CommitCount int64 // last commit mirrored
	Ordinal     int64 // last leaf ordinal handed out
}

func (s *SeqState) encode() []byte {
	data := make([]byte, seqRecordSize)
	binary.LittleEndian.PutUint64(data[commitCountOffset:], uint64(s.CommitCount&seqMask))
	binary.LittleEndian.PutUint64(data[ordinalOffset:], uint64(s.Ordinal&seqMask))
	return data
}

func decodeSeqState(data []byte) (*SeqState, error) {
	if data == nil {
		return &SeqState{}, nil
	}
	if len(data) < seqRecordSize {
		return nil, fmt.Errorf("invalid sequence record size: expected %d bytes, got %d", seqRecordSize, len(data))
	}
	return &SeqState{
		CommitCount: int64(binary.LittleEndian.Uint64(data[commitCountOffset:])) & seqMask,
		Ordinal:     int64(binary.LittleEndian.Uint64(data[ordinalOffset:])) & seqMask,
	}, nil
}

// Sequence hands out commit sequence numbers.
type Sequence struct {
	n atomic.Int64
}

// Next increments and returns the commit count.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Reset sets the commit count, for restart recovery.
func (s *Sequence) Reset(n int64) {
	s.n.Store(n & seqMask)
}
