package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/cosmos"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/pkg/retry"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

type submitRecord struct {
	request  seda.DataRequest
	sequence uint64
}

// fakeOracle stands in for the SEDA client on both sides the executor
// touches: sequenced submission and result queries.
type fakeOracle struct {
	mu          sync.Mutex
	sequence    uint64
	submitErrs  []error
	submits     []submitRecord
	result      *seda.DataResult
	resultAfter int
	getCalls    int
}

func (f *fakeOracle) AccountSequence(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sequence, nil
}

func (f *fakeOracle) SubmitDataRequest(_ context.Context, dr *seda.DataRequest, sequence uint64) (*seda.PostedDataRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitRecord{request: *dr, sequence: sequence})
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &seda.PostedDataRequest{ID: dr.ComputeID(), TxHash: "TX" + dr.ComputeID().Hex()[:8], BlockHeight: 42}, nil
}

func (f *fakeOracle) GetDataResult(_ context.Context, id seda.Hash, _ uint64) (*seda.DataResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getCalls <= f.resultAfter || f.result == nil {
		return nil, nil
	}
	res := *f.result
	res.ID = id
	return &res, nil
}

func (f *fakeOracle) submitted() []submitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitRecord(nil), f.submits...)
}

func (f *fakeOracle) getCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func goodResult() *seda.DataResult {
	return &seda.DataResult{
		Version:         "0.0.1",
		Consensus:       true,
		ExitCode:        0,
		Result:          []byte{0x01},
		BlockHeight:     100,
		BatchAssignment: 9,
	}
}

func testTemplate() seda.DataRequest {
	return seda.DataRequest{
		Version:           "0.0.1",
		ExecProgramID:     testHash(0x11),
		TallyProgramID:    testHash(0x11),
		ExecGasLimit:      300_000_000_000_000,
		TallyGasLimit:     50_000_000_000_000,
		ReplicationFactor: 1,
		ConsensusFilter:   []byte{0x00},
	}
}

// oracleStub is what the test env needs from an oracle fake: the
// executor's client surface plus the coordinator's sequence query.
type oracleStub interface {
	oracleClient
	AccountSequence(ctx context.Context) (uint64, error)
}

type execEnv struct {
	exec     *Executor
	registry *Registry
	stats    *Statistics
	coord    *cosmos.Coordinator
	outcomes chan Outcome
}

func newExecEnv(t *testing.T, oracle oracleStub, cfg ExecutorConfig) *execEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	coord := cosmos.NewCoordinator(oracle, cosmos.Config{InterItemDelay: time.Millisecond}, nil)
	coord.Initialize(ctx)
	go func() { _ = coord.Run(ctx) }()

	if cfg.BaseMemo == "" {
		cfg.BaseMemo = "push-solver-test"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.AwaitTimeout == 0 {
		cfg.AwaitTimeout = time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Delay == 0 {
		cfg.Retry = retry.Options{MaxRetries: 1, Delay: time.Millisecond}
	}

	registry := NewRegistry()
	stats := NewStatistics()
	outcomes := make(chan Outcome, 8)
	exec := NewExecutor(coord, oracle, registry, stats, outcomes, cfg, nil)

	return &execEnv{exec: exec, registry: registry, stats: stats, coord: coord, outcomes: outcomes}
}

func TestExecutor_PostsAndCompletes(t *testing.T) {
	oracle := &fakeOracle{sequence: 7, result: goodResult()}
	env := newExecEnv(t, oracle, ExecutorConfig{})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())

	out := <-env.outcomes
	require.True(t, out.Success())
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, uint64(7), out.Sequence)
	assert.Equal(t, uint64(42), out.PostHeight)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.Result)
	assert.Equal(t, uint64(9), out.Result.BatchAssignment)

	task, ok := env.registry.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, uint64(7), task.Sequence)
	assert.True(t, task.HasSequence)
	assert.False(t, task.RequestID.IsZero())

	submits := oracle.submitted()
	require.Len(t, submits, 1)
	assert.Equal(t, uint64(7), submits[0].sequence)
	assert.Equal(t, "push-solver-test | seq:7", string(submits[0].request.Memo))
	assert.Equal(t, submits[0].request.ComputeID(), task.RequestID)

	assert.Equal(t, uint64(8), env.coord.Stats().NextSequence, "success consumes the sequence")
	assert.Equal(t, uint64(1), env.stats.Snapshot().Posted)
}

func TestExecutor_DuplicateStillAwaitsResult(t *testing.T) {
	oracle := &fakeOracle{
		sequence:   3,
		submitErrs: []error{errors.New("rpc error: DataRequestAlreadyExists")},
		result:     goodResult(),
	}
	env := newExecEnv(t, oracle, ExecutorConfig{})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())

	out := <-env.outcomes
	require.True(t, out.Success())
	assert.True(t, out.Duplicate)
	assert.Empty(t, out.TxHash, "duplicates have no receipt")
	assert.False(t, out.RequestID.IsZero(), "request id is recomputed from the stamped request")
	require.NotNil(t, out.Result)
	assert.Equal(t, out.RequestID, out.Result.ID)

	task, _ := env.registry.Get("task-1")
	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, uint64(4), env.coord.Stats().NextSequence, "duplicate consumed the sequence")
}

func TestExecutor_PostFailureMarksTask(t *testing.T) {
	oracle := &fakeOracle{
		sequence: 5,
		submitErrs: []error{
			errors.New("broadcast failed: connection refused"),
			errors.New("broadcast failed: connection refused"),
		},
	}
	env := newExecEnv(t, oracle, ExecutorConfig{Retry: retry.Options{MaxRetries: 1, Delay: time.Millisecond}})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())

	out := <-env.outcomes
	require.False(t, out.Success())
	assert.Equal(t, PhasePost, out.FailedPhase)
	assert.Contains(t, out.Err.Error(), "connection refused")
	assert.Equal(t, uint64(5), out.Sequence)

	task, _ := env.registry.Get("task-1")
	assert.Equal(t, StateFailed, task.State)
	assert.True(t, task.HasSequence)
	assert.Equal(t, uint64(5), task.Sequence)

	assert.Len(t, oracle.submitted(), 2)
	assert.Equal(t, uint64(5), env.coord.Stats().NextSequence, "failed posts must not consume the sequence")
	assert.Zero(t, env.stats.Snapshot().Posted)
}

func TestExecutor_SequenceMismatchRetriesSameTask(t *testing.T) {
	oracle := &fakeOracle{
		sequence:   7,
		submitErrs: []error{errors.New("account sequence mismatch, expected 8, got 7")},
		result:     goodResult(),
	}
	env := newExecEnv(t, oracle, ExecutorConfig{Retry: retry.Options{MaxRetries: 2, Delay: time.Millisecond}})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())

	out := <-env.outcomes
	require.True(t, out.Success())
	assert.Equal(t, uint64(7), out.Sequence, "retry reuses the unconsumed sequence")

	submits := oracle.submitted()
	require.Len(t, submits, 2)
	assert.Equal(t, uint64(7), submits[0].sequence)
	assert.Equal(t, uint64(7), submits[1].sequence)
	assert.Equal(t, submits[0].request.ComputeID(), submits[1].request.ComputeID(),
		"same sequence stamps the same memo, so the request id is stable")

	assert.Equal(t, uint64(8), env.coord.Stats().NextSequence)
}

func TestExecutor_OracleTimeout(t *testing.T) {
	oracle := &fakeOracle{sequence: 1}
	env := newExecEnv(t, oracle, ExecutorConfig{AwaitTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())

	out := <-env.outcomes
	require.False(t, out.Success())
	assert.Equal(t, PhaseOracle, out.FailedPhase)
	assert.ErrorIs(t, out.Err, ErrOracleTimeout)
	assert.NotEmpty(t, out.TxHash, "the posting itself succeeded")

	task, _ := env.registry.Get("task-1")
	assert.Equal(t, StateFailed, task.State)
	assert.False(t, task.PostedAt.IsZero())
	assert.Equal(t, uint64(1), env.stats.Snapshot().Posted, "posting success is counted even when the await fails")
}

func TestExecutor_ShutdownDuringAwait(t *testing.T) {
	oracle := &fakeOracle{sequence: 1}
	env := newExecEnv(t, oracle, ExecutorConfig{AwaitTimeout: time.Minute, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	env.registry.Register("task-1")

	done := make(chan struct{})
	go func() {
		env.exec.Run(ctx, "task-1", testTemplate())
		close(done)
	}()

	require.Eventually(t, func() bool { return oracle.getCallCount() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not stop with the context")
	}

	task, _ := env.registry.Get("task-1")
	assert.Equal(t, StateFailed, task.State)
}

func TestExecutor_MemoVariesWithSequence(t *testing.T) {
	oracle := &fakeOracle{sequence: 10, result: goodResult()}
	env := newExecEnv(t, oracle, ExecutorConfig{})

	env.registry.Register("task-1")
	env.exec.Run(context.Background(), "task-1", testTemplate())
	env.registry.Register("task-2")
	env.exec.Run(context.Background(), "task-2", testTemplate())

	submits := oracle.submitted()
	require.Len(t, submits, 2)
	assert.NotEqual(t, string(submits[0].request.Memo), string(submits[1].request.Memo))
	assert.NotEqual(t, submits[0].request.ComputeID(), submits[1].request.ComputeID(),
		"identical templates on different sequences must produce distinct request ids")
}
