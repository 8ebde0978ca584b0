package indexer

import (
	"eth-indexer/logger"
	"time"
)

// Summary is the outcome of a run.
type Summary struct {
	Run              string
	Processed        int
	Failed           []FailedBlock
	LastWritten      uint64
	HighWaterMark    uint64
	HasHighWaterMark bool
	Elapsed          time.Duration

	started time.Time
}

// FailedNumbers lists the failed block numbers in the order they were given up.
func (s *Summary) FailedNumbers() []uint64 {
	out := make([]uint64, len(s.Failed))
	for i, f := range s.Failed {
		out[i] = f.Number
	}
	return out
}

func (s *Summary) Log() {
	logger.Info("Run %s finished in %s: %d blocks written, %d failed",
		s.Run, s.Elapsed.Round(time.Millisecond), s.Processed, len(s.Failed))
	if s.HasHighWaterMark {
		logger.Info("Run %s high-water mark at block %d", s.Run, s.HighWaterMark)
	}
	if len(s.Failed) > 0 {
		logger.Warn("Run %s failed blocks: %v", s.Run, s.FailedNumbers())
	}
}
