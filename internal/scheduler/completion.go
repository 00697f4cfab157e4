package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/evm"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// Phase names the lifecycle phase a task failed in.
type Phase string

const (
	PhasePost   Phase = "post"
	PhaseOracle Phase = "oracle"
)

// Outcome is the executor's report for one finished task, published on
// the outcome channel instead of through callbacks so the executor
// never learns who listens.
type Outcome struct {
	TaskID     string
	RequestID  seda.Hash
	Sequence   uint64
	TxHash     string
	PostHeight uint64
	Duplicate  bool

	// Result is set on success.
	Result *seda.DataResult

	// FailedPhase and Err are set on failure.
	FailedPhase Phase
	Err         error

	PostDuration   time.Duration
	OracleDuration time.Duration
}

// Success reports whether the task produced an oracle result.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// resultPusher delivers finalized results to destination chains.
// *evm.FanOut satisfies it.
type resultPusher interface {
	PushResult(ctx context.Context, result *seda.DataResult) []evm.Outcome
	Destinations() int
}

// CompletionHandler consumes task outcomes, folds them into the run
// statistics, and triggers the EVM fan-out for deliverable results.
// Fan-outs for different tasks run concurrently; outcomes for the same
// task arrive exactly once.
type CompletionHandler struct {
	stats   *Statistics
	pusher  resultPusher
	network seda.Network
	inbox   <-chan Outcome
	logger  *slog.Logger

	wg sync.WaitGroup
}

func NewCompletionHandler(stats *Statistics, pusher resultPusher, network seda.Network, inbox <-chan Outcome, logger *slog.Logger) *CompletionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionHandler{
		stats:   stats,
		pusher:  pusher,
		network: network,
		inbox:   inbox,
		logger:  logger.With(slog.String("component", "completion")),
	}
}

// Run consumes outcomes until ctx is cancelled or the channel closes.
// On a clean close it waits for in-flight fan-outs before returning.
func (h *CompletionHandler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-h.inbox:
			if !ok {
				h.wg.Wait()
				return nil
			}
			h.handle(ctx, out)
		}
	}
}

func (h *CompletionHandler) handle(ctx context.Context, out Outcome) {
	if !out.Success() {
		h.recordFailure(out)
		return
	}

	h.stats.RecordOracleCompleted(out.OracleDuration)
	metrics.OracleWaitDuration.Observe(out.OracleDuration.Seconds())

	result := out.Result
	logger := h.logger.With(
		slog.String("task_id", out.TaskID),
		slog.String("dr_id", result.ID.Hex()),
	)
	logger.Info("task completed",
		slog.Bool("consensus", result.Consensus),
		slog.Int("exit_code", int(result.ExitCode)),
		slog.Uint64("batch", result.BatchAssignment),
		slog.String("tx_url", h.network.TxURL(out.TxHash)),
		slog.String("dr_url", h.network.DataRequestURL(result.ID)),
	)

	if !evm.Deliverable(result) {
		metrics.OracleResults.WithLabelValues(metrics.OutcomeDropped).Inc()
		logger.Info("result not deliverable, fan-out skipped",
			slog.Bool("consensus", result.Consensus),
			slog.Int("exit_code", int(result.ExitCode)),
		)
		return
	}
	metrics.OracleResults.WithLabelValues(metrics.OutcomeSuccess).Inc()

	if h.pusher == nil || h.pusher.Destinations() == 0 {
		return
	}

	// Fan-outs are independent across tasks; a slow chain must not
	// hold up the next outcome.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.fanOut(ctx, logger, result)
	}()
}

func (h *CompletionHandler) fanOut(ctx context.Context, logger *slog.Logger, result *seda.DataResult) {
	outcomes := h.pusher.PushResult(ctx, result)

	success, failed := 0, 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			failed++
			logger.Error("delivery failed",
				slog.String("chain", oc.Chain),
				slog.String("delivery_id", oc.DeliveryID),
				slog.String("error", oc.Err.Error()),
			)
			continue
		}
		success++
		logger.Info("delivery confirmed",
			slog.String("chain", oc.Chain),
			slog.String("delivery_id", oc.DeliveryID),
			slog.String("tx_hash", oc.TxHash),
			slog.Duration("elapsed", oc.Duration),
		)
	}
	h.stats.RecordFanout(success, failed)
}

func (h *CompletionHandler) recordFailure(out Outcome) {
	metrics.TaskFailures.WithLabelValues(string(out.FailedPhase)).Inc()
	switch out.FailedPhase {
	case PhaseOracle:
		h.stats.RecordOracleFailure()
		metrics.OracleResults.WithLabelValues(metrics.OutcomeFailure).Inc()
	default:
		h.stats.RecordPostFailure()
	}

	logger := h.logger.With(slog.String("task_id", out.TaskID))
	if !out.RequestID.IsZero() {
		logger = logger.With(slog.String("dr_id", out.RequestID.Hex()))
	}
	logger.Warn("task finished without result",
		slog.String("phase", string(out.FailedPhase)),
		slog.String("error", out.Err.Error()),
	)
}
