package scheduler

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the run counters, shaped for the
// status endpoint and the shutdown report.
type Snapshot struct {
	Posted           uint64  `json:"posted"`
	PostFailed       uint64  `json:"post_failed"`
	OracleCompleted  uint64  `json:"oracle_completed"`
	OracleFailed     uint64  `json:"oracle_failed"`
	FanoutSuccess    uint64  `json:"fanout_success"`
	FanoutFailed     uint64  `json:"fanout_failed"`
	SuccessRate      float64 `json:"success_rate"`
	RuntimeSeconds   float64 `json:"runtime_seconds"`
	AvgPostSeconds   float64 `json:"avg_post_seconds"`
	AvgOracleSeconds float64 `json:"avg_oracle_seconds"`
}

// Statistics accumulates counters for one scheduler run. Prometheus
// carries the long-lived series; this type backs the status endpoint
// and the report printed on shutdown. Safe for concurrent use.
type Statistics struct {
	mu        sync.Mutex
	startedAt time.Time

	posted          uint64
	postFailed      uint64
	oracleCompleted uint64
	oracleFailed    uint64
	fanoutSuccess   uint64
	fanoutFailed    uint64

	postTotal   time.Duration
	oracleTotal time.Duration
}

func NewStatistics() *Statistics {
	return &Statistics{startedAt: time.Now()}
}

// Reset zeroes every counter and restarts the run clock.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
	s.posted = 0
	s.postFailed = 0
	s.oracleCompleted = 0
	s.oracleFailed = 0
	s.fanoutSuccess = 0
	s.fanoutFailed = 0
	s.postTotal = 0
	s.oracleTotal = 0
}

// RecordPosted counts a successful posting and its duration.
func (s *Statistics) RecordPosted(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted++
	s.postTotal += d
}

// RecordPostFailure counts a task that never reached POSTED.
func (s *Statistics) RecordPostFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postFailed++
}

// RecordOracleCompleted counts a finalized oracle result and how long
// the await took.
func (s *Statistics) RecordOracleCompleted(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oracleCompleted++
	s.oracleTotal += d
}

// RecordOracleFailure counts a posted task whose result never arrived.
func (s *Statistics) RecordOracleFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oracleFailed++
}

// RecordFanout folds one fan-out's per-chain outcomes into the totals.
func (s *Statistics) RecordFanout(success, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fanoutSuccess += uint64(success)
	s.fanoutFailed += uint64(failed)
}

// Runtime is the time since the last reset.
func (s *Statistics) Runtime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// Snapshot copies the counters. SuccessRate is the completed share of
// all finished tasks; zero when nothing finished yet.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Posted:          s.posted,
		PostFailed:      s.postFailed,
		OracleCompleted: s.oracleCompleted,
		OracleFailed:    s.oracleFailed,
		FanoutSuccess:   s.fanoutSuccess,
		FanoutFailed:    s.fanoutFailed,
		RuntimeSeconds:  time.Since(s.startedAt).Seconds(),
	}
	if finished := s.oracleCompleted + s.oracleFailed + s.postFailed; finished > 0 {
		snap.SuccessRate = float64(s.oracleCompleted) / float64(finished)
	}
	if s.posted > 0 {
		snap.AvgPostSeconds = s.postTotal.Seconds() / float64(s.posted)
	}
	if s.oracleCompleted > 0 {
		snap.AvgOracleSeconds = s.oracleTotal.Seconds() / float64(s.oracleCompleted)
	}
	return snap
}
