package database

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Snowflake generates time-ordered 63-bit expense IDs.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // lastMillis<<12 | sequence
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// defaultEpoch is 2025-01-01 UTC
var defaultEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewSnowflake creates a generator. Out-of-range worker IDs fall back to 0.
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns a unique ID. Safe for concurrent use without locks.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		now := time.Now().UnixMilli()
		if now < last {
			// clock went backwards: keep issuing from the last known millisecond
			now = last
		}

		if now == last {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				for now <= last {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, now<<sequenceBits|seq) {
			return (now-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}

// NextString returns NextID in base 10
func (s *Snowflake) NextString() string {
	return strconv.FormatInt(s.NextID(), 10)
}
