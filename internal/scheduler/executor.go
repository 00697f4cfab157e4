package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/cosmos"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/pkg/retry"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// ErrOracleTimeout marks a task whose DataRequest posted but never
// produced a batch-assigned result within the await window.
var ErrOracleTimeout = errors.New("scheduler: timed out waiting for oracle result")

// sequenceGate serializes chain submissions. *cosmos.Coordinator
// satisfies it.
type sequenceGate interface {
	Execute(ctx context.Context, posting cosmos.Posting) (cosmos.Result, error)
}

// oracleClient is the slice of the SEDA client the executor needs.
type oracleClient interface {
	SubmitDataRequest(ctx context.Context, dr *seda.DataRequest, sequence uint64) (*seda.PostedDataRequest, error)
	GetDataResult(ctx context.Context, id seda.Hash, postHeight uint64) (*seda.DataResult, error)
}

// ExecutorConfig tunes task execution. Zero values fall back to
// defaults.
type ExecutorConfig struct {
	// BaseMemo prefixes every request memo. The assigned sequence is
	// appended per attempt, which keeps request IDs distinct across
	// ticks even when every other field matches.
	BaseMemo string
	// PostingTimeout bounds one sequenced submission attempt.
	PostingTimeout time.Duration
	// AwaitTimeout bounds the wait for a batch-assigned result.
	AwaitTimeout time.Duration
	// PollInterval spaces result queries during the await.
	PollInterval time.Duration
	// Retry shapes the posting retry loop. Each attempt is a fresh
	// pass through the sequence gate, so a retry picks up whatever
	// sequence the coordinator holds by then.
	Retry retry.Options
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.PostingTimeout <= 0 {
		c.PostingTimeout = 20 * time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Retry.MaxRetries == 0 && c.Retry.Delay == 0 {
		c.Retry = retry.Options{MaxRetries: 3, Delay: 2 * time.Second}
	}
	return c
}

// Executor drives one task through the post and await phases, then
// hands the outcome to whoever consumes the outcome channel. It owns
// every registry write for the tasks it runs.
type Executor struct {
	gate     sequenceGate
	oracle   oracleClient
	registry *Registry
	stats    *Statistics
	outcomes chan<- Outcome
	cfg      ExecutorConfig
	logger   *slog.Logger
}

func NewExecutor(gate sequenceGate, oracle oracleClient, registry *Registry, stats *Statistics, outcomes chan<- Outcome, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gate:     gate,
		oracle:   oracle,
		registry: registry,
		stats:    stats,
		outcomes: outcomes,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Run executes one registered task end to end. It never returns an
// error: failures land on the registry and the outcome channel.
func (e *Executor) Run(ctx context.Context, taskID string, template seda.DataRequest) {
	logger := e.logger.With(slog.String("task_id", taskID))
	out := Outcome{TaskID: taskID}

	postStart := time.Now()
	res, requestID, err := e.post(ctx, taskID, template)
	out.PostDuration = time.Since(postStart)
	out.RequestID = requestID
	if res.Sequence > 0 || err == nil {
		out.Sequence = res.Sequence
		if recErr := e.registry.RecordSequence(taskID, res.Sequence); recErr != nil {
			logger.Warn("sequence not recorded", slog.String("error", recErr.Error()))
		}
	}
	if err != nil {
		e.fail(ctx, logger, out, PhasePost, err)
		return
	}

	posted := res.Posted
	if posted == nil {
		// Duplicate: an earlier attempt landed this exact request, so
		// the content-derived ID is still good for the result await.
		posted = &seda.PostedDataRequest{ID: requestID}
	}
	out.TxHash = posted.TxHash
	out.PostHeight = posted.BlockHeight
	out.Duplicate = res.Duplicate

	if err := e.registry.MarkPosted(taskID, posted.ID, posted.TxHash, posted.BlockHeight); err != nil {
		logger.Warn("task not marked posted", slog.String("error", err.Error()))
	}
	e.stats.RecordPosted(out.PostDuration)
	metrics.TasksPosted.Inc()
	metrics.PostingDuration.Observe(out.PostDuration.Seconds())
	logger.Info("data request posted",
		slog.String("dr_id", posted.ID.Hex()),
		slog.String("tx_hash", posted.TxHash),
		slog.Uint64("height", posted.BlockHeight),
		slog.Uint64("sequence", res.Sequence),
		slog.Bool("duplicate", res.Duplicate),
		slog.Duration("elapsed", out.PostDuration),
	)

	awaitStart := time.Now()
	result, err := e.await(ctx, logger, posted.ID, posted.BlockHeight)
	out.OracleDuration = time.Since(awaitStart)
	if err != nil {
		e.fail(ctx, logger, out, PhaseOracle, err)
		return
	}

	out.Result = result
	if err := e.registry.MarkCompleted(taskID); err != nil {
		logger.Warn("task not marked completed", slog.String("error", err.Error()))
	}
	logger.Info("oracle result ready",
		slog.String("dr_id", result.ID.Hex()),
		slog.Bool("consensus", result.Consensus),
		slog.Int("exit_code", int(result.ExitCode)),
		slog.Uint64("batch", result.BatchAssignment),
		slog.Duration("elapsed", out.OracleDuration),
	)
	e.publish(ctx, out)
}

// post runs the sequenced submission, retrying the whole gate pass on
// failure. The request ID is computed from the stamped request before
// each submit, so it survives even when the chain answers that the
// request already exists.
func (e *Executor) post(ctx context.Context, taskID string, template seda.DataRequest) (cosmos.Result, seda.Hash, error) {
	var requestID seda.Hash

	posting := cosmos.Posting{
		TaskID:  taskID,
		Timeout: e.cfg.PostingTimeout,
		PostTransaction: func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error) {
			attempt := template
			attempt.Memo = []byte(cosmos.UniqueMemo(e.cfg.BaseMemo, sequence))
			requestID = attempt.ComputeID()
			return e.oracle.SubmitDataRequest(ctx, &attempt, sequence)
		},
	}

	// retry.Do returns the zero Result on final failure, so keep the
	// last one that actually ran; its sequence feeds the registry.
	var last cosmos.Result
	res, err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) (cosmos.Result, error) {
		r, err := e.gate.Execute(ctx, posting)
		if r.Sequence > 0 || err == nil {
			last = r
		}
		return r, err
	})
	if err != nil {
		return last, requestID, err
	}
	return res, requestID, nil
}

// await polls for the batch-assigned result until it appears or the
// window closes. Query errors are tolerated; only the deadline or a
// process shutdown ends the wait.
func (e *Executor) await(ctx context.Context, logger *slog.Logger, id seda.Hash, postHeight uint64) (*seda.DataResult, error) {
	awaitCtx, cancel := context.WithTimeout(ctx, e.cfg.AwaitTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := e.oracle.GetDataResult(awaitCtx, id, postHeight)
		if err != nil {
			logger.Debug("result query failed", slog.String("error", err.Error()))
		} else if result != nil {
			return result, nil
		}

		select {
		case <-awaitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrOracleTimeout
		case <-ticker.C:
		}
	}
}

func (e *Executor) fail(ctx context.Context, logger *slog.Logger, out Outcome, phase Phase, cause error) {
	out.FailedPhase = phase
	out.Err = cause
	if err := e.registry.MarkFailed(out.TaskID, cause); err != nil {
		logger.Warn("task not marked failed", slog.String("error", err.Error()))
	}
	logger.Error("task failed",
		slog.String("phase", string(phase)),
		slog.String("error", cause.Error()),
	)
	e.publish(ctx, out)
}

func (e *Executor) publish(ctx context.Context, out Outcome) {
	select {
	case e.outcomes <- out:
	case <-ctx.Done():
	}
}
