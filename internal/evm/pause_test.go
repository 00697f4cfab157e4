package evm

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatcherFixture(t *testing.T, chain *fakeChain, source *fakeBatchSource) (*PauseWatcher, *BatchPoster, *ProverCache, *PauseState) {
	t.Helper()
	nonces := NewNonceCoordinator(NonceConfig{}, nil)
	nonces.Register(chain.name, &fakeNonceReader{})
	cache := NewProverCache()
	pause := &PauseState{}
	poster := NewBatchPoster(chain, source, nonces, cache, pause, BatchConfig{QueueInterval: time.Millisecond}, nil)
	watcher := NewPauseWatcher(chain.name, testCore, chain, cache, pause, poster, time.Minute, nil)
	return watcher, poster, cache, pause
}

func TestPauseWatcher_IdleWhileUnpaused(t *testing.T) {
	chain := newFakeChain("base")
	pausedReads := 0
	chain.pausedFn = func() (bool, error) { pausedReads++; return false, nil }
	watcher, _, _, _ := newWatcherFixture(t, chain, newFakeBatchSource())

	watcher.check(context.Background())
	assert.Equal(t, 0, pausedReads, "unpaused destinations are never polled")
}

func TestPauseWatcher_NeedsDiscoveredProver(t *testing.T) {
	chain := newFakeChain("base")
	pausedReads := 0
	chain.pausedFn = func() (bool, error) { pausedReads++; return false, nil }
	watcher, _, _, pause := newWatcherFixture(t, chain, newFakeBatchSource())
	pause.Pause()

	watcher.check(context.Background())
	assert.Equal(t, 0, pausedReads)
	assert.True(t, pause.Paused())
}

func TestPauseWatcher_StaysPausedWhileContractPaused(t *testing.T) {
	chain := newFakeChain("base")
	chain.pausedFn = func() (bool, error) { return true, nil }
	watcher, _, cache, pause := newWatcherFixture(t, chain, newFakeBatchSource())
	ctx := context.Background()

	_, err := cache.Discover(ctx, chain, "base", testCore)
	require.NoError(t, err)
	pause.Pause()

	watcher.check(ctx)
	assert.True(t, pause.Paused())
	assert.Empty(t, chain.broadcasts())
}

func TestPauseWatcher_ResumesQueueAfterUnpause(t *testing.T) {
	v := newTestValidator(t, 0x01)
	source := newFakeBatchSource(batchWith(5, v.entry(100_000_000)))

	chain := newFakeChain("base")
	contract := uint64(0)
	chain.heightFn = func() (uint64, error) { return contract, nil }
	contractPaused := true
	chain.pausedFn = func() (bool, error) { return contractPaused, nil }
	chain.receiptFn = func(TxRequest) (*types.Receipt, error) {
		contract = 5
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
	}

	watcher, poster, cache, pause := newWatcherFixture(t, chain, source)
	ctx := context.Background()

	_, err := cache.Discover(ctx, chain, "base", testCore)
	require.NoError(t, err)

	// The queue picked up a batch while the destination was paused.
	pause.Pause()
	require.ErrorIs(t, poster.EnsureBatch(ctx, testProver, 5), ErrContractPaused)
	require.Equal(t, 1, poster.QueueSize())

	// Contract still paused: nothing happens.
	watcher.check(ctx)
	assert.True(t, pause.Paused())
	assert.Equal(t, 1, poster.QueueSize())

	// Contract unpauses: the watcher clears the flag and drains.
	contractPaused = false
	watcher.check(ctx)
	assert.False(t, pause.Paused())
	assert.Equal(t, 0, poster.QueueSize())
	assert.Len(t, chain.broadcasts(), 1)
}
