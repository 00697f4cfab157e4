package evm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PauseState is one destination's pause flag, shared by the batch and
// result posters. Either poster sets it when a write hits
// EnforcedPause; only the pause watcher clears it.
type PauseState struct {
	flag atomic.Bool
}

func (p *PauseState) Paused() bool { return p.flag.Load() }
func (p *PauseState) Pause()       { p.flag.Store(true) }
func (p *PauseState) Unpause()     { p.flag.Store(false) }

// pauseChecker reads the prover's pause switch.
type pauseChecker interface {
	Paused(ctx context.Context, prover common.Address) (bool, error)
}

// PauseWatcher polls a paused destination until the contract reports
// unpaused, then resumes the batch queue. While the destination is not
// paused the watcher is idle.
type PauseWatcher struct {
	chain    string
	core     common.Address
	checker  pauseChecker
	cache    *ProverCache
	pause    *PauseState
	poster   *BatchPoster
	interval time.Duration
	logger   *slog.Logger
}

func NewPauseWatcher(chain string, core common.Address, checker pauseChecker, cache *ProverCache, pause *PauseState, poster *BatchPoster, interval time.Duration, logger *slog.Logger) *PauseWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PauseWatcher{
		chain:    chain,
		core:     core,
		checker:  checker,
		cache:    cache,
		pause:    pause,
		poster:   poster,
		interval: interval,
		logger:   logger.With(slog.String("component", "pause_watcher"), slog.String("chain", chain)),
	}
}

// Run polls until ctx is cancelled.
func (w *PauseWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *PauseWatcher) check(ctx context.Context) {
	if !w.pause.Paused() {
		return
	}
	prover, ok := w.cache.Cached(w.chain, w.core)
	if !ok {
		return
	}

	paused, err := w.checker.Paused(ctx, prover)
	if err != nil {
		w.logger.Debug("pause check failed", slog.String("error", err.Error()))
		return
	}
	if paused {
		return
	}

	w.pause.Unpause()
	w.logger.Info("contract unpaused, resuming batch queue")
	if err := w.poster.Resume(ctx, prover); err != nil {
		w.logger.Warn("batch queue resume failed", slog.String("error", err.Error()))
	}
}
