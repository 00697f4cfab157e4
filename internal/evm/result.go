package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// ErrResultAlreadyExists reports that the destination already stores
// this result, which callers treat as a successful delivery.
var ErrResultAlreadyExists = errors.New("evm: ResultAlreadyExists on destination")

// ResultConfig tunes the result poster. Zero values fall back to
// defaults.
type ResultConfig struct {
	// MaxRetries caps posting attempts per result.
	MaxRetries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// ReceiptTimeout bounds a single receipt wait.
	ReceiptTimeout time.Duration
}

func (c ResultConfig) withDefaults() ResultConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 90 * time.Second
	}
	return c
}

// ResultPoster submits finalized oracle results to one destination's
// core contract.
type ResultPoster struct {
	chain  destinationChain
	nonces *NonceCoordinator
	pause  *PauseState
	cfg    ResultConfig
	logger *slog.Logger
}

func NewResultPoster(chain destinationChain, nonces *NonceCoordinator, pause *PauseState, cfg ResultConfig, logger *slog.Logger) *ResultPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultPoster{
		chain:  chain,
		nonces: nonces,
		pause:  pause,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "result_poster"), slog.String("chain", chain.Name())),
	}
}

// Post submits the result with its batch proof to the core contract.
// Returns ErrResultAlreadyExists when the destination already has it,
// which the caller counts as delivered.
func (p *ResultPoster) Post(ctx context.Context, result *seda.DataResult, proof [][]byte) (common.Hash, error) {
	if p.pause.Paused() {
		return common.Hash{}, ErrContractPaused
	}
	if p.chain.Account() == (common.Address{}) {
		return common.Hash{}, ErrNoSigner
	}

	// Cheap duplicate check. An absent or reverting hasResult proves
	// nothing, so only a clean true short-circuits.
	if has, err := p.chain.HasResult(ctx, result.ID); err == nil && has {
		return common.Hash{}, ErrResultAlreadyExists
	}

	slots, err := proofSlots(proof)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := coreABI.Pack("postResult", NewSedaResult(result), result.BatchAssignment, slots)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pack postResult: %w", err)
	}

	logger := p.logger.With(
		slog.String("dr_id", result.ID.Hex()),
		slog.Uint64("batch", result.BatchAssignment),
	)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return common.Hash{}, err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		hash, err := p.attempt(ctx, data)
		switch {
		case err == nil:
			metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeSuccess).Inc()
			logger.Info("result posted", slog.String("tx_hash", hash.Hex()))
			return hash, nil

		case IsResultAlreadyExists(err):
			metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeSuccess).Inc()
			logger.Info("result already on destination")
			return hash, ErrResultAlreadyExists

		case IsInvalidResultTimestamp(err):
			metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeDropped).Inc()
			return common.Hash{}, fmt.Errorf("evm: result rejected permanently: %w", err)

		case IsPaused(err):
			p.pause.Pause()
			metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeFailure).Inc()
			logger.Warn("destination paused during result post")
			return common.Hash{}, ErrContractPaused

		default:
			lastErr = err
			metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeFailure).Inc()
			logger.Warn("result post attempt failed",
				slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
	}

	metrics.ResultPosts.WithLabelValues(p.chain.Name(), metrics.OutcomeDropped).Inc()
	return common.Hash{}, fmt.Errorf("evm: result dropped after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// attempt is one reserve-broadcast-receipt cycle.
func (p *ResultPoster) attempt(ctx context.Context, data []byte) (common.Hash, error) {
	hash, req, reservation, err := submitWithNonce(ctx, p.chain, p.nonces, p.chain.Config().CoreAddress, data, p.logger)
	if err != nil {
		return common.Hash{}, err
	}

	receiptCtx, cancel := context.WithTimeout(ctx, p.cfg.ReceiptTimeout)
	defer cancel()
	if _, err := p.chain.WaitReceipt(receiptCtx, hash, req); err != nil {
		releaseUnlessInFlight(reservation, err)
		return hash, err
	}
	reservation.Release()
	return hash, nil
}
