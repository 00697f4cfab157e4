package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatistics_Counters(t *testing.T) {
	s := NewStatistics()

	s.RecordPosted(2 * time.Second)
	s.RecordPosted(4 * time.Second)
	s.RecordOracleCompleted(10 * time.Second)
	s.RecordOracleFailure()
	s.RecordPostFailure()
	s.RecordFanout(3, 1)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Posted)
	assert.Equal(t, uint64(1), snap.PostFailed)
	assert.Equal(t, uint64(1), snap.OracleCompleted)
	assert.Equal(t, uint64(1), snap.OracleFailed)
	assert.Equal(t, uint64(3), snap.FanoutSuccess)
	assert.Equal(t, uint64(1), snap.FanoutFailed)
	assert.InDelta(t, 1.0/3.0, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, snap.AvgPostSeconds, 1e-9)
	assert.InDelta(t, 10.0, snap.AvgOracleSeconds, 1e-9)
}

func TestStatistics_ZeroSafe(t *testing.T) {
	snap := NewStatistics().Snapshot()
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.AvgPostSeconds)
	assert.Zero(t, snap.AvgOracleSeconds)
}

func TestStatistics_Reset(t *testing.T) {
	s := NewStatistics()
	s.RecordPosted(time.Second)
	s.RecordOracleCompleted(time.Second)

	s.Reset()

	snap := s.Snapshot()
	assert.Zero(t, snap.Posted)
	assert.Zero(t, snap.OracleCompleted)
	assert.GreaterOrEqual(t, s.Runtime(), time.Duration(0))
}
