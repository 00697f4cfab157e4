package cosmos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

type fakeQuerier struct {
	seq uint64
	err error
}

func (f *fakeQuerier) AccountSequence(ctx context.Context) (uint64, error) {
	return f.seq, f.err
}

func startCoordinator(t *testing.T, querier SequenceQuerier, cfg Config) *Coordinator {
	t.Helper()
	if cfg.InterItemDelay == 0 {
		cfg.InterItemDelay = time.Millisecond
	}
	coord := NewCoordinator(querier, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.Initialize(ctx)
	go coord.Run(ctx)
	return coord
}

func okPosting(id string) Posting {
	return Posting{
		TaskID: id,
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			return &seda.PostedDataRequest{BlockHeight: sequence}, nil
		},
	}
}

// holdWorker occupies the single worker until release is closed, so the
// test can stage the queue deterministically.
func holdWorker(t *testing.T, coord *Coordinator) (release func()) {
	t.Helper()
	releaseCh := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_, err := coord.Execute(context.Background(), Posting{
			TaskID: "gate",
			PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
				close(running)
				<-releaseCh
				return &seda.PostedDataRequest{}, nil
			},
		})
		assert.NoError(t, err)
	}()
	<-running
	var once sync.Once
	return func() { once.Do(func() { close(releaseCh) }) }
}

func TestCoordinator_InitializeFromChain(t *testing.T) {
	coord := NewCoordinator(&fakeQuerier{seq: 42}, Config{}, nil)
	got := coord.Initialize(context.Background())
	assert.Equal(t, uint64(42), got)

	stats := coord.Stats()
	assert.Equal(t, uint64(42), stats.NextSequence)
	assert.True(t, stats.Initialized)
}

func TestCoordinator_InitializeFallsBackToZero(t *testing.T) {
	coord := NewCoordinator(&fakeQuerier{err: errors.New("rpc unavailable")}, Config{}, nil)
	got := coord.Initialize(context.Background())
	assert.Equal(t, uint64(0), got)
	assert.True(t, coord.Stats().Initialized, "query failure must not block startup")
}

func TestCoordinator_FIFOOrderAndMonotonicSequences(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 10}, Config{})
	release := holdWorker(t, coord)

	var mu sync.Mutex
	var order []string
	var sequences []uint64

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		before := coord.Stats().QueueSize
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := coord.Execute(context.Background(), Posting{
				TaskID: id,
				PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
					mu.Lock()
					order = append(order, id)
					sequences = append(sequences, sequence)
					mu.Unlock()
					return &seda.PostedDataRequest{}, nil
				},
			})
			assert.NoError(t, err)
		}(id)
		require.Eventually(t, func() bool {
			return coord.Stats().QueueSize > before
		}, time.Second, time.Millisecond, "posting %s never enqueued", id)
	}

	release()
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c"}, order)
	// The gate consumed 10, so the staged postings get 11, 12, 13.
	assert.Equal(t, []uint64{11, 12, 13}, sequences)
	assert.Equal(t, uint64(14), coord.Stats().NextSequence)
}

func TestCoordinator_DuplicateConsumesSequence(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 5}, Config{})

	res, err := coord.Execute(context.Background(), Posting{
		TaskID: "dup",
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			return nil, errors.New("failed to execute message: DataRequestAlreadyExists")
		},
	})
	require.NoError(t, err, "a proven duplicate is a successful posting")
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Posted)
	assert.Equal(t, uint64(5), res.Sequence)

	res, err = coord.Execute(context.Background(), okPosting("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Sequence, "duplicate must have advanced the counter")
}

func TestCoordinator_SequenceMismatchDoesNotBurn(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 17}, Config{})

	attempts := 0
	posting := Posting{
		TaskID: "retry-me",
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("account sequence mismatch, expected 18, got 17")
			}
			return &seda.PostedDataRequest{}, nil
		},
	}

	res, err := coord.Execute(context.Background(), posting)
	require.Error(t, err)
	assert.True(t, IsSequenceError(err))
	assert.Equal(t, uint64(17), res.Sequence)
	assert.Equal(t, uint64(17), coord.Stats().NextSequence, "mismatch must not consume the sequence")

	res, err = coord.Execute(context.Background(), posting)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), res.Sequence, "retry runs under the same sequence")
	assert.Equal(t, uint64(18), coord.Stats().NextSequence)
}

func TestCoordinator_OtherErrorDoesNotBurn(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 3}, Config{})

	_, err := coord.Execute(context.Background(), Posting{
		TaskID: "boom",
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			return nil, errors.New("out of gas in location: wasm contract")
		},
	})
	require.Error(t, err)
	assert.Equal(t, uint64(3), coord.Stats().NextSequence)
}

func TestCoordinator_QueueFull(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{}, Config{MaxQueueSize: 1})
	release := holdWorker(t, coord)
	defer release()

	queued := make(chan error, 1)
	go func() {
		_, err := coord.Execute(context.Background(), okPosting("fills-queue"))
		queued <- err
	}()
	require.Eventually(t, func() bool {
		return coord.Stats().QueueSize == 1
	}, time.Second, time.Millisecond)

	_, err := coord.Execute(context.Background(), okPosting("rejected"))
	assert.ErrorIs(t, err, ErrQueueFull)

	release()
	assert.NoError(t, <-queued, "queued postings still drain after a rejection")
}

func TestCoordinator_ClearDrainsWithoutResettingSequence(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 30}, Config{})
	release := holdWorker(t, coord)

	results := make(chan error, 2)
	for _, id := range []string{"b", "c"} {
		before := coord.Stats().QueueSize
		go func(id string) {
			_, err := coord.Execute(context.Background(), okPosting(id))
			results <- err
		}(id)
		require.Eventually(t, func() bool {
			return coord.Stats().QueueSize > before
		}, time.Second, time.Millisecond)
	}

	assert.Equal(t, 2, coord.Clear())
	assert.ErrorIs(t, <-results, ErrCleared)
	assert.ErrorIs(t, <-results, ErrCleared)

	release()
	require.Eventually(t, func() bool {
		// Only the gate posting ran, consuming exactly one sequence.
		return coord.Stats().NextSequence == 31
	}, time.Second, time.Millisecond)

	res, err := coord.Execute(context.Background(), okPosting("after-clear"))
	require.NoError(t, err)
	assert.Equal(t, uint64(31), res.Sequence)
}

func TestCoordinator_PostingTimeout(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 9}, Config{})

	_, err := coord.Execute(context.Background(), Posting{
		TaskID:  "slow",
		Timeout: 20 * time.Millisecond,
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(9), coord.Stats().NextSequence, "timeouts must not consume the sequence")
}

func TestCoordinator_AbandonedWaiterIsSkipped(t *testing.T) {
	coord := startCoordinator(t, &fakeQuerier{seq: 50}, Config{})
	release := holdWorker(t, coord)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	before := coord.Stats().QueueSize
	go func() {
		_, err := coord.Execute(ctx, Posting{
			TaskID: "abandoned",
			PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
				t.Error("abandoned posting must not run")
				return nil, nil
			},
		})
		abandoned <- err
	}()
	require.Eventually(t, func() bool {
		return coord.Stats().QueueSize > before
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	release()
	res, err := coord.Execute(context.Background(), okPosting("live"))
	require.NoError(t, err)
	assert.Equal(t, uint64(51), res.Sequence, "skipped posting must not consume a sequence")
}
