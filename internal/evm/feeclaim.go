package evm

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
)

// claimFees withdraws accumulated solver fees once they clear the
// configured threshold. Runs best-effort after a successful batch post;
// failures are logged and never disturb the posting queue.
func (b *BatchPoster) claimFees(ctx context.Context, prover common.Address) {
	threshold := b.chain.Config().FeeClaimThreshold
	if threshold == nil || threshold.Sign() <= 0 {
		return
	}

	feeManager, err := b.chain.FeeManager(ctx, prover)
	if err != nil {
		b.logger.Debug("fee manager lookup failed", slog.String("error", err.Error()))
		return
	}
	if feeManager == (common.Address{}) {
		return
	}

	pending, err := b.chain.PendingFees(ctx, feeManager, b.chain.Account())
	if err != nil {
		b.logger.Debug("pending fees lookup failed", slog.String("error", err.Error()))
		return
	}
	if pending.Cmp(threshold) < 0 {
		return
	}

	data, err := feeManagerABI.Pack("withdrawFees")
	if err != nil {
		b.logger.Warn("pack withdrawFees failed", slog.String("error", err.Error()))
		return
	}
	hash, req, reservation, err := submitWithNonce(ctx, b.chain, b.nonces, feeManager, data, b.logger)
	if err != nil {
		b.logger.Warn("fee claim broadcast failed", slog.String("error", err.Error()))
		return
	}
	if _, err := b.chain.WaitReceipt(ctx, hash, req); err != nil {
		releaseUnlessInFlight(reservation, err)
		b.logger.Warn("fee claim not confirmed",
			slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		return
	}
	reservation.Release()

	metrics.FeesClaimed.WithLabelValues(b.chain.Name()).Inc()
	b.logger.Info("fees claimed",
		slog.String("amount", pending.String()),
		slog.String("tx_hash", hash.Hex()),
	)
}
