package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/config"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/cosmos"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/evm"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/health"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/pkg/retry"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/scheduler"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

func runSolver(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	network, err := cfg.Seda.ChainNetwork()
	if err != nil {
		return err
	}
	templates, err := cfg.DataRequests()
	if err != nil {
		return err
	}

	signer, err := seda.NewSigner(cfg.Seda.Mnemonic)
	if err != nil {
		return err
	}
	gasPrice, err := cfg.Cosmos.TxGasPrice()
	if err != nil {
		return err
	}
	oracle, err := seda.NewClient(network, signer, seda.ClientConfig{
		GasLimit: cfg.Cosmos.GasLimit,
		GasPrice: gasPrice,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("solver starting",
		slog.String("network", network.Name),
		slog.String("address", oracle.Address()),
		slog.Int("programs", len(templates)),
		slog.Bool("continuous", cfg.Scheduler.Continuous),
		slog.Duration("interval", cfg.Scheduler.Interval()),
	)

	coordinator := cosmos.NewCoordinator(oracle, cosmos.Config{
		MaxQueueSize:   cfg.Cosmos.MaxQueueSize,
		PostingTimeout: cfg.Cosmos.PostingTimeout(),
	}, logger)
	coordinator.Initialize(ctx)
	go func() { _ = coordinator.Run(ctx) }()

	fanout, closeChains, err := buildFanOut(ctx, cfg, oracle, logger)
	if err != nil {
		return err
	}
	defer closeChains()

	stats := scheduler.NewStatistics()
	registry := scheduler.NewRegistry()
	outcomes := make(chan scheduler.Outcome, 64)

	handlerCtx, stopHandler := context.WithCancel(context.Background())
	defer stopHandler()
	completion := scheduler.NewCompletionHandler(stats, fanout, network, outcomes, logger)
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		_ = completion.Run(handlerCtx)
	}()

	executor := scheduler.NewExecutor(coordinator, oracle, registry, stats, outcomes, scheduler.ExecutorConfig{
		BaseMemo:       cfg.Scheduler.Memo,
		PostingTimeout: cfg.Cosmos.PostingTimeout(),
		AwaitTimeout:   cfg.Seda.DrTimeout(),
		PollInterval:   cfg.Seda.DrPollingInterval(),
		Retry:          retry.Options{MaxRetries: cfg.Scheduler.MaxRetries, Delay: 2 * time.Second},
	}, logger)

	sch := scheduler.New(scheduler.Config{
		Interval:   cfg.Scheduler.Interval(),
		Continuous: cfg.Scheduler.Continuous,
	}, registry, stats, executor, templates, logger)

	server := health.NewServer(cfg.HealthAddr, sch, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sch.Run(ctx) }()

	var schedErr error
	select {
	case err := <-serverErr:
		cancel()
		<-runErr
		drain(outcomes, handlerDone, stopHandler)
		coordinator.Clear()
		return fmt.Errorf("health server: %w", err)
	case schedErr = <-runErr:
	}

	// Every executor has returned by now; the handler just needs to
	// finish whatever fan-outs are still in flight.
	drain(outcomes, handlerDone, stopHandler)
	coordinator.Clear()

	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return schedErr
	}
	logger.Info("solver stopped")
	return nil
}

// drain closes the outcome stream and waits for the completion handler,
// cutting it off after a grace window so a dead destination cannot hold
// the process open.
func drain(outcomes chan scheduler.Outcome, done <-chan struct{}, stop context.CancelFunc) {
	close(outcomes)
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		stop()
		<-done
	}
}

// buildFanOut dials every enabled destination and assembles its delivery
// pipeline. The returned closer hangs up all RPC connections.
func buildFanOut(ctx context.Context, cfg *config.Config, source *seda.Client, logger *slog.Logger) (*evm.FanOut, func(), error) {
	enabled := make([]config.EvmNetwork, 0, len(cfg.Evm.Networks))
	for _, n := range cfg.Evm.Networks {
		if !n.IsEnabled() {
			logger.Info("destination disabled, skipping", slog.String("chain", n.Name))
			continue
		}
		enabled = append(enabled, n)
	}
	if len(enabled) == 0 {
		logger.Info("no EVM destinations configured, posting only")
		return evm.NewFanOut(nil, logger), func() {}, nil
	}

	key, err := cfg.Evm.ParsePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	nonces := evm.NewNonceCoordinator(evm.NonceConfig{}, logger)
	go func() { _ = nonces.Run(ctx) }()

	cache := evm.NewProverCache()

	var (
		clients      []*evm.ChainClient
		destinations []*evm.Destination
	)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for _, declared := range enabled {
		netCfg, err := declared.NetworkConfig()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		chain, err := evm.Dial(ctx, netCfg, key, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, chain)
		nonces.Register(netCfg.Name, chain)

		pause := &evm.PauseState{}
		batches := evm.NewBatchPoster(chain, source, nonces, cache, pause, evm.BatchConfig{}, logger)
		results := evm.NewResultPoster(chain, nonces, pause, evm.ResultConfig{}, logger)
		watcher := evm.NewPauseWatcher(netCfg.Name, netCfg.CoreAddress, chain, cache, pause, batches, 0, logger)
		go func() { _ = watcher.Run(ctx) }()

		destinations = append(destinations, evm.NewDestination(chain, cache, batches, results, source, logger))
		logger.Info("destination ready",
			slog.String("chain", netCfg.Name),
			slog.Uint64("chain_id", netCfg.ChainID),
			slog.String("core", netCfg.CoreAddress.Hex()),
			slog.String("account", chain.Account().Hex()),
		)
	}

	return evm.NewFanOut(destinations, logger), closeAll, nil
}
