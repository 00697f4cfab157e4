package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/evm"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

type fakePusher struct {
	mu       sync.Mutex
	pushed   []*seda.DataResult
	outcomes []evm.Outcome
	delay    time.Duration
	count    int
}

func (p *fakePusher) PushResult(_ context.Context, result *seda.DataResult) []evm.Outcome {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, result)
	return p.outcomes
}

func (p *fakePusher) Destinations() int {
	return p.count
}

func (p *fakePusher) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func testNetwork() seda.Network {
	return seda.Network{Name: "testnet", ExplorerURL: "https://testnet.explorer.seda.xyz"}
}

func startHandler(t *testing.T, pusher resultPusher) (*Statistics, chan Outcome, chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stats := NewStatistics()
	inbox := make(chan Outcome, 8)
	handler := NewCompletionHandler(stats, pusher, testNetwork(), inbox, nil)

	done := make(chan error, 1)
	go func() { done <- handler.Run(ctx) }()
	return stats, inbox, done
}

func successOutcome() Outcome {
	result := goodResult()
	result.ID = testHash(0xBC)
	return Outcome{
		TaskID:         "task-1",
		RequestID:      result.ID,
		Sequence:       4,
		TxHash:         "COSMOSTX",
		PostHeight:     42,
		Result:         result,
		PostDuration:   time.Second,
		OracleDuration: 3 * time.Second,
	}
}

func TestCompletionHandler_DeliversResult(t *testing.T) {
	pusher := &fakePusher{
		count: 2,
		outcomes: []evm.Outcome{
			{Chain: "base", DeliveryID: "d1", TxHash: common.HexToHash("0x01").Hex()},
			{Chain: "arbitrum", DeliveryID: "d2", Err: errors.New("batch gate closed")},
		},
	}
	stats, inbox, _ := startHandler(t, pusher)

	inbox <- successOutcome()

	require.Eventually(t, func() bool {
		snap := stats.Snapshot()
		return snap.FanoutSuccess == 1 && snap.FanoutFailed == 1
	}, time.Second, 5*time.Millisecond)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.OracleCompleted)
	assert.Equal(t, 1, pusher.pushCount())
}

func TestCompletionHandler_SkipsNonDeliverable(t *testing.T) {
	pusher := &fakePusher{count: 1}
	stats, inbox, _ := startHandler(t, pusher)

	out := successOutcome()
	out.Result.Consensus = false
	inbox <- out

	require.Eventually(t, func() bool {
		return stats.Snapshot().OracleCompleted == 1
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, pusher.pushCount(), "non-deliverable results never reach the fan-out")
	assert.Zero(t, stats.Snapshot().FanoutSuccess)
}

func TestCompletionHandler_NoDestinations(t *testing.T) {
	pusher := &fakePusher{count: 0}
	stats, inbox, _ := startHandler(t, pusher)

	inbox <- successOutcome()

	require.Eventually(t, func() bool {
		return stats.Snapshot().OracleCompleted == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, pusher.pushCount())
}

func TestCompletionHandler_CountsFailuresByPhase(t *testing.T) {
	stats, inbox, _ := startHandler(t, &fakePusher{})

	inbox <- Outcome{TaskID: "t1", FailedPhase: PhasePost, Err: errors.New("broadcast refused")}
	inbox <- Outcome{TaskID: "t2", RequestID: testHash(2), FailedPhase: PhaseOracle, Err: ErrOracleTimeout}

	require.Eventually(t, func() bool {
		snap := stats.Snapshot()
		return snap.PostFailed == 1 && snap.OracleFailed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCompletionHandler_DrainsInFlightFanoutsOnClose(t *testing.T) {
	pusher := &fakePusher{
		count:    1,
		delay:    30 * time.Millisecond,
		outcomes: []evm.Outcome{{Chain: "base", DeliveryID: "d1", TxHash: common.HexToHash("0x01").Hex()}},
	}

	stats := NewStatistics()
	inbox := make(chan Outcome, 1)
	handler := NewCompletionHandler(stats, pusher, testNetwork(), inbox, nil)

	done := make(chan error, 1)
	go func() { done <- handler.Run(context.Background()) }()

	inbox <- successOutcome()
	require.Eventually(t, func() bool {
		return stats.Snapshot().OracleCompleted == 1
	}, time.Second, 5*time.Millisecond)
	close(inbox)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not drain after channel close")
	}

	assert.Equal(t, 1, pusher.pushCount(), "in-flight fan-out must finish before Run returns")
	assert.Equal(t, uint64(1), stats.Snapshot().FanoutSuccess)
}

func TestCompletionHandler_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := NewCompletionHandler(NewStatistics(), &fakePusher{}, testNetwork(), make(chan Outcome), nil)

	done := make(chan error, 1)
	go func() { done <- handler.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler did not stop with the context")
	}
}
