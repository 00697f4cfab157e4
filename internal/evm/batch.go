package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// destinationChain is the capability set the posters consume.
// *ChainClient satisfies it.
type destinationChain interface {
	Name() string
	Account() common.Address
	Config() NetworkConfig
	GasPrice(ctx context.Context) (*big.Int, error)
	SedaProver(ctx context.Context) (common.Address, error)
	LastBatchHeight(ctx context.Context, prover common.Address) (uint64, error)
	Paused(ctx context.Context, prover common.Address) (bool, error)
	HasResult(ctx context.Context, drID [32]byte) (bool, error)
	FeeManager(ctx context.Context, prover common.Address) (common.Address, error)
	PendingFees(ctx context.Context, feeManager, account common.Address) (*big.Int, error)
	SubmitTx(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, req TxRequest) (*types.Receipt, error)
}

// BatchSource fetches signed batches from the SEDA chain.
// *seda.Client satisfies it.
type BatchSource interface {
	GetSignedBatch(ctx context.Context, batchNumber uint64) (*seda.SignedBatch, error)
}

// BatchState tracks a queued batch through one posting cycle.
type BatchState string

const (
	BatchQueued         BatchState = "QUEUED"
	BatchPosting        BatchState = "POSTING"
	BatchPosted         BatchState = "POSTED"
	BatchRecoveryNeeded BatchState = "RECOVERY_NEEDED"
	BatchDropped        BatchState = "DROPPED"
)

type queuedBatch struct {
	number     uint64
	state      BatchState
	retryCount int
}

// BatchConfig tunes the poster. Zero values fall back to defaults.
type BatchConfig struct {
	// MaxRetries caps posting attempts per queued batch, recovery
	// insertions excluded.
	MaxRetries int
	// QueueInterval is the pause between consecutive queue items.
	QueueInterval time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = 500 * time.Millisecond
	}
	return c
}

// BatchPoster proves SEDA batches to one destination's prover contract.
// The queue processes one batch at a time; when the prover rejects a
// batch for missing consensus, an intermediate recovery batch is
// inserted at the front and the chain walks there by binary search.
type BatchPoster struct {
	chain  destinationChain
	source BatchSource
	nonces *NonceCoordinator
	cache  *ProverCache
	pause  *PauseState
	cfg    BatchConfig
	logger *slog.Logger

	// drainMu serializes queue processing; mu guards the queue itself.
	drainMu sync.Mutex
	mu      sync.Mutex
	queue   []*queuedBatch
}

func NewBatchPoster(chain destinationChain, source BatchSource, nonces *NonceCoordinator, cache *ProverCache, pause *PauseState, cfg BatchConfig, logger *slog.Logger) *BatchPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPoster{
		chain:  chain,
		source: source,
		nonces: nonces,
		cache:  cache,
		pause:  pause,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "batch_poster"), slog.String("chain", chain.Name())),
	}
}

// QueueSize reports batches waiting to be posted.
func (b *BatchPoster) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// EnsureBatch makes sure the prover has accepted a batch at or above
// target, posting batches as needed. Returns ErrContractPaused with the
// queue retained when the destination is paused.
func (b *BatchPoster) EnsureBatch(ctx context.Context, prover common.Address, target uint64) error {
	current, err := b.chain.LastBatchHeight(ctx, prover)
	if err != nil {
		return fmt.Errorf("evm: batch height on %s: %w", b.chain.Name(), err)
	}
	b.cache.SetLastHeight(b.chain.Name(), b.chain.Config().CoreAddress, current)
	if current >= target {
		return nil
	}

	b.enqueue(target)
	if b.pause.Paused() {
		return ErrContractPaused
	}
	if err := b.drain(ctx, prover); err != nil {
		return err
	}

	// Another caller's drain may have satisfied us, or dropped our
	// batch; the contract is the arbiter.
	current, err = b.chain.LastBatchHeight(ctx, prover)
	if err != nil {
		return fmt.Errorf("evm: batch height on %s: %w", b.chain.Name(), err)
	}
	b.cache.SetLastHeight(b.chain.Name(), b.chain.Config().CoreAddress, current)
	if current < target {
		return fmt.Errorf("evm: batch %d still missing on %s after queue drain", target, b.chain.Name())
	}
	return nil
}

// Resume drains the retained queue after an unpause.
func (b *BatchPoster) Resume(ctx context.Context, prover common.Address) error {
	return b.drain(ctx, prover)
}

func (b *BatchPoster) enqueue(number uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.queue {
		if entry.number == number {
			return
		}
	}
	b.queue = append(b.queue, &queuedBatch{number: number, state: BatchQueued})
}

func (b *BatchPoster) pushFront(number uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append([]*queuedBatch{{number: number, state: BatchQueued}}, b.queue...)
}

// popHead removes the queue head, which must be entry.
func (b *BatchPoster) popHead(entry *queuedBatch, state BatchState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.state = state
	if len(b.queue) > 0 && b.queue[0] == entry {
		b.queue = b.queue[1:]
	}
}

// drain posts queued batches in order until the queue is empty, the
// destination pauses, or an entry exhausts its retries.
func (b *BatchPoster) drain(ctx context.Context, prover common.Address) error {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return nil
		}
		if b.pause.Paused() {
			b.mu.Unlock()
			return ErrContractPaused
		}
		entry := b.queue[0]
		entry.state = BatchPosting
		b.mu.Unlock()

		err := b.postOne(ctx, prover, entry)
		switch {
		case err == nil:
			b.popHead(entry, BatchPosted)
			b.cache.SetLastHeight(b.chain.Name(), b.chain.Config().CoreAddress, entry.number)
			metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeSuccess).Inc()
			b.logger.Info("batch posted", slog.Uint64("batch", entry.number))
			b.claimFees(ctx, prover)

		case IsBatchAlreadyExists(err):
			b.popHead(entry, BatchPosted)
			b.cache.SetLastHeight(b.chain.Name(), b.chain.Config().CoreAddress, entry.number)
			metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeSuccess).Inc()
			b.logger.Info("batch already on-chain", slog.Uint64("batch", entry.number))

		case IsPaused(err):
			b.pause.Pause()
			b.requeue(entry)
			b.logger.Warn("destination paused, queue retained",
				slog.Uint64("batch", entry.number), slog.Int("queued", b.QueueSize()))
			return ErrContractPaused

		case IsConsensusNotReached(err):
			if rerr := b.queueRecovery(ctx, prover, entry); rerr != nil {
				b.popHead(entry, BatchDropped)
				metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeDropped).Inc()
				return rerr
			}

		case errors.Is(err, seda.ErrBatchNotFound):
			b.popHead(entry, BatchDropped)
			metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeDropped).Inc()
			return fmt.Errorf("evm: batch %d not available from SEDA: %w", entry.number, err)

		case ctx.Err() != nil:
			b.requeue(entry)
			return ctx.Err()

		default:
			entry.retryCount++
			metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeFailure).Inc()
			if entry.retryCount > b.cfg.MaxRetries {
				b.popHead(entry, BatchDropped)
				metrics.BatchPosts.WithLabelValues(b.chain.Name(), metrics.OutcomeDropped).Inc()
				return fmt.Errorf("evm: batch %d dropped after %d attempts: %w", entry.number, entry.retryCount, err)
			}
			b.requeue(entry)
			b.logger.Warn("batch post failed, retrying",
				slog.Uint64("batch", entry.number),
				slog.Int("retry_count", entry.retryCount),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.QueueInterval):
		}
	}
}

func (b *BatchPoster) requeue(entry *queuedBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.state = BatchQueued
}

// queueRecovery inserts the midpoint between the contract's height and
// the failed batch at the queue front. Repeated failures walk the
// midpoint down to a batch close enough to the trusted validator set to
// clear consensus.
func (b *BatchPoster) queueRecovery(ctx context.Context, prover common.Address, failed *queuedBatch) error {
	failed.state = BatchRecoveryNeeded

	current, err := b.chain.LastBatchHeight(ctx, prover)
	if err != nil {
		return fmt.Errorf("evm: batch height for recovery: %w", err)
	}
	recovery := current + (failed.number-current)/2
	if recovery <= current || recovery >= failed.number {
		return fmt.Errorf("evm: no recovery batch between %d and %d: %w", current, failed.number, ErrConsensusNotReached)
	}

	b.requeue(failed)
	b.pushFront(recovery)
	b.logger.Info("queued recovery batch",
		slog.Uint64("failed_batch", failed.number),
		slog.Uint64("recovery_batch", recovery),
		slog.Uint64("contract_height", current),
	)
	return nil
}

// postOne runs a single posting attempt for entry. The consensus check
// happens before any write; a batch that cannot clear two thirds never
// costs gas.
func (b *BatchPoster) postOne(ctx context.Context, prover common.Address, entry *queuedBatch) error {
	if b.chain.Account() == (common.Address{}) {
		return ErrNoSigner
	}

	batch, err := b.source.GetSignedBatch(ctx, entry.number)
	if err != nil {
		return err
	}
	if batch.BatchNumber == 0 || batch.BlockHeight == 0 {
		return fmt.Errorf("evm: batch %d has no height", entry.number)
	}
	if len(batch.Signatures) == 0 {
		return fmt.Errorf("evm: batch %d carries no signatures", entry.number)
	}

	submission, err := buildSubmission(batch, b.knownBatch(ctx, prover))
	if err != nil {
		return err
	}
	evmBatch, err := NewEvmBatch(batch)
	if err != nil {
		return err
	}
	data, err := proverABI.Pack("postBatch", evmBatch, submission.signatures, submission.proofs)
	if err != nil {
		return fmt.Errorf("evm: pack postBatch: %w", err)
	}

	hash, req, reservation, err := submitWithNonce(ctx, b.chain, b.nonces, prover, data, b.logger)
	if err != nil {
		return err
	}
	if _, err := b.chain.WaitReceipt(ctx, hash, req); err != nil {
		releaseUnlessInFlight(reservation, err)
		return err
	}
	reservation.Release()
	return nil
}

// knownBatch fetches the signed batch at the contract's current height,
// whose entries verify against the validator root the prover trusts.
// nil when the contract is at genesis or the batch cannot be fetched;
// the new batch then vouches for itself.
func (b *BatchPoster) knownBatch(ctx context.Context, prover common.Address) *seda.SignedBatch {
	height, err := b.chain.LastBatchHeight(ctx, prover)
	if err != nil || height == 0 {
		return nil
	}
	known, err := b.source.GetSignedBatch(ctx, height)
	if err != nil {
		b.logger.Debug("trusted batch unavailable, using new batch entries",
			slog.Uint64("height", height), slog.String("error", err.Error()))
		return nil
	}
	return known
}

// submitWithNonce reserves a nonce, broadcasts, and recovers once
// through the nonce coordinator when the broadcast fails over nonce
// state. The returned reservation is still live; the caller releases it
// after the receipt.
func submitWithNonce(ctx context.Context, chain destinationChain, nonces *NonceCoordinator, to common.Address, data []byte, logger *slog.Logger) (common.Hash, TxRequest, *Reservation, error) {
	price, err := chain.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, TxRequest{}, nil, err
	}
	reservation, err := nonces.Reserve(ctx, chain.Name(), chain.Account(), price)
	if err != nil {
		return common.Hash{}, TxRequest{}, nil, err
	}

	req := TxRequest{To: to, Data: data, Nonce: reservation.Nonce, GasPrice: reservation.GasPrice}
	hash, err := chain.SubmitTx(ctx, req)
	if err != nil && IsNonceError(err) {
		logger.Warn("broadcast hit nonce state, recovering",
			slog.Uint64("nonce", reservation.Nonce), slog.String("error", err.Error()))
		reservation, err = nonces.HandleFailure(ctx, chain.Name(), chain.Account(), reservation.Nonce, price, err)
		if err != nil {
			return common.Hash{}, TxRequest{}, nil, err
		}
		req.Nonce, req.GasPrice = reservation.Nonce, reservation.GasPrice
		hash, err = chain.SubmitTx(ctx, req)
	}
	if err != nil {
		reservation.Release()
		return common.Hash{}, TxRequest{}, nil, err
	}

	reservation.Confirm(hash)
	return hash, req, reservation, nil
}

// releaseUnlessInFlight keeps the pending entry when the receipt wait
// merely timed out; the transaction may still mine and the stuck
// scanner owns it now. Mined reverts release immediately.
func releaseUnlessInFlight(reservation *Reservation, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return
	}
	reservation.Release()
}
