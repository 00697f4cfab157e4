package evm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// ProofSource supplies the merkle path that proves a data result's
// membership in its batch. Satisfied by *seda.Client.
type ProofSource interface {
	GetResultProof(ctx context.Context, drID seda.Hash, batchNumber uint64) ([][]byte, error)
}

// Destination bundles everything needed to land one oracle result on a
// single EVM chain: the batch gate, the result poster, and the proof
// lookup for that chain's assigned batch.
type Destination struct {
	chain   destinationChain
	cache   *ProverCache
	batches *BatchPoster
	results *ResultPoster
	proofs  ProofSource
	logger  *slog.Logger
}

// NewDestination wires a delivery pipeline for one chain.
func NewDestination(chain destinationChain, cache *ProverCache, batches *BatchPoster, results *ResultPoster, proofs ProofSource, logger *slog.Logger) *Destination {
	if logger == nil {
		logger = slog.Default()
	}
	return &Destination{
		chain:   chain,
		cache:   cache,
		batches: batches,
		results: results,
		proofs:  proofs,
		logger:  logger.With(slog.String("component", "destination"), slog.String("chain", chain.Name())),
	}
}

// Name reports the destination chain's configured name.
func (d *Destination) Name() string {
	return d.chain.Name()
}

// Deliver lands a single result on the destination chain. The assigned
// batch must be on the prover contract before the result itself can be
// posted, so delivery runs as prover discovery, batch gating, proof
// fetch, then result submission. A result that already exists on the
// contract counts as delivered.
func (d *Destination) Deliver(ctx context.Context, result *seda.DataResult) (common.Hash, error) {
	prover, err := d.cache.Discover(ctx, d.chain, d.chain.Name(), d.chain.Config().CoreAddress)
	if err != nil {
		return common.Hash{}, err
	}

	if err := d.batches.EnsureBatch(ctx, prover, result.BatchAssignment); err != nil {
		return common.Hash{}, err
	}

	proof, err := d.proofs.GetResultProof(ctx, result.ID, result.BatchAssignment)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := d.results.Post(ctx, result, proof)
	if errors.Is(err, ErrResultAlreadyExists) {
		return hash, nil
	}
	return hash, err
}

// Outcome records how one destination fared for a single result.
type Outcome struct {
	Chain      string
	DeliveryID string
	TxHash     string
	Duration   time.Duration
	Err        error
}

// FanOut pushes finalized oracle results to every configured
// destination chain in parallel.
type FanOut struct {
	destinations []*Destination
	logger       *slog.Logger
}

// NewFanOut builds a fan-out over the given destinations.
func NewFanOut(destinations []*Destination, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		destinations: destinations,
		logger:       logger.With(slog.String("component", "fanout")),
	}
}

// Destinations reports how many chains the fan-out delivers to.
func (f *FanOut) Destinations() int {
	return len(f.destinations)
}

// Deliverable reports whether a result qualifies for delivery: the
// oracle reached consensus and the program exited cleanly. This is the
// only place the rule lives.
func Deliverable(result *seda.DataResult) bool {
	return result.Consensus && result.ExitCode == 0
}

// PushResult delivers one finalized result to all destinations and
// returns a per-chain outcome vector in destination order. Results
// that failed oracle consensus or exited non-zero are not posted
// anywhere; the returned vector is empty in that case.
func (f *FanOut) PushResult(ctx context.Context, result *seda.DataResult) []Outcome {
	if !Deliverable(result) {
		f.logger.Info("skipping result without clean consensus",
			slog.String("dr_id", result.ID.Hex()),
			slog.Bool("consensus", result.Consensus),
			slog.Int("exit_code", int(result.ExitCode)),
		)
		return nil
	}
	if len(f.destinations) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(f.destinations))
	var wg sync.WaitGroup
	for i, dest := range f.destinations {
		wg.Add(1)
		go func(i int, dest *Destination) {
			defer wg.Done()
			outcomes[i] = f.deliverOne(ctx, dest, result)
		}(i, dest)
	}
	wg.Wait()
	return outcomes
}

func (f *FanOut) deliverOne(ctx context.Context, dest *Destination, result *seda.DataResult) Outcome {
	deliveryID := uuid.NewString()
	logger := f.logger.With(
		slog.String("chain", dest.Name()),
		slog.String("delivery_id", deliveryID),
		slog.String("dr_id", result.ID.Hex()),
	)

	start := time.Now()
	hash, err := dest.Deliver(ctx, result)
	elapsed := time.Since(start)
	metrics.FanoutDuration.WithLabelValues(dest.Name()).Observe(elapsed.Seconds())

	var txHash string
	if hash != (common.Hash{}) {
		txHash = hash.Hex()
	}
	if err != nil {
		logger.Error("delivery failed", slog.String("error", err.Error()), slog.Duration("duration", elapsed))
	} else {
		logger.Info("result delivered", slog.String("tx_hash", txHash), slog.Duration("duration", elapsed))
	}
	return Outcome{
		Chain:      dest.Name(),
		DeliveryID: deliveryID,
		TxHash:     txHash,
		Duration:   elapsed,
		Err:        err,
	}
}
