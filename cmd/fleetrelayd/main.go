package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fleetrelay/chain"
	"fleetrelay/config"
	"fleetrelay/crypto"
	"fleetrelay/observability"
	"fleetrelay/observability/logging"
	"fleetrelay/relay"
	"fleetrelay/rpc"
	"fleetrelay/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		slog.Error("fleetrelayd exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup("fleetrelayd", cfg.Env)
	log := slog.Default()

	key, err := cfg.SignerKey()
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}
	log.Info("relay signer loaded", "address", key.Address().Hex())

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "relay"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(ctx, cfg.EthRPCURL, uint64(cfg.ChainID))
	if err != nil {
		return err
	}
	defer client.Close()

	gameContract, err := crypto.ParseAddress(cfg.GameContract)
	if err != nil {
		return err
	}
	fundingContract, err := crypto.ParseAddress(cfg.FundingContract)
	if err != nil {
		return err
	}
	sender, err := chain.NewSender(client.Raw(), key, gameContract, uint64(cfg.ChainID))
	if err != nil {
		return err
	}
	oracle, err := chain.NewOracle(client.Raw(), gameContract, cfg.FinalityDepth)
	if err != nil {
		return err
	}
	funding := chain.NewFunding(client.Raw(), fundingContract)

	safetyMargin, ok := new(big.Int).SetString(cfg.SafetyMarginWei, 10)
	if !ok {
		return fmt.Errorf("invalid SafetyMarginWei %q", cfg.SafetyMarginWei)
	}
	schedule, err := feeSchedule(cfg.DefaultFeeSchedule)
	if err != nil {
		return err
	}

	store := relay.NewStore(db)
	defer store.Close()

	svc := relay.NewService(store, client, oracle, sender, funding, key, relay.Params{
		GasLimitEstimate:    cfg.GasLimitEstimate,
		SafetyMargin:        safetyMargin,
		RetryCeiling:        cfg.RetryCeiling,
		RetryBackoffCeiling: cfg.RetryBackoffCeiling.Duration,
		ResolveWindow:       cfg.ResolveWindow.Duration,
		FinalityMargin:      cfg.FinalityMargin.Duration,
		FinalityDepth:       cfg.FinalityDepth,
		ScanLimit:           cfg.ScanLimit,
		WithdrawalWindow:    cfg.WithdrawalWindow.Duration,
		MinBlockTime:        cfg.MinBlockTime.Duration,
		FundingStartBlock:   cfg.FundingStartBlock,
		DefaultFeeSchedule:  schedule,
	}, relay.WithMetrics(observability.Relay()))

	go runTicker(ctx, log, "scheduler", cfg.SchedulerInterval.Duration, svc.TickScheduler)
	go runTicker(ctx, log, "monitor", cfg.MonitorInterval.Duration, svc.TickMonitor)
	go runTicker(ctx, log, "sync", cfg.SyncInterval.Duration, svc.TickSync)

	server := rpc.NewServer(cfg.ListenAddress, svc, log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}
	return nil
}

// runTicker drives one tick function on a fixed cadence until the context is
// cancelled. Tick errors are logged; fatal inconsistencies keep recurring and
// keep being logged rather than crashing the daemon.
func runTicker(ctx context.Context, log *slog.Logger, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				log.Error("tick failed", "driver", name, "err", err)
			}
		}
	}
}

func feeSchedule(tiers []config.FeeTier) (relay.FeeSchedule, error) {
	var schedule relay.FeeSchedule
	if len(tiers) != len(schedule) {
		return schedule, fmt.Errorf("fee schedule needs exactly %d tiers, got %d", len(schedule), len(tiers))
	}
	for i, tier := range tiers {
		maxFee, ok := new(big.Int).SetString(tier.MaxFeePerGas, 10)
		if !ok {
			return schedule, fmt.Errorf("fee tier %d: invalid MaxFeePerGas %q", i, tier.MaxFeePerGas)
		}
		maxTip, ok := new(big.Int).SetString(tier.MaxPriorityFeePerGas, 10)
		if !ok {
			return schedule, fmt.Errorf("fee tier %d: invalid MaxPriorityFeePerGas %q", i, tier.MaxPriorityFeePerGas)
		}
		schedule[i] = relay.FeeTier{
			DelayThreshold:       uint64(tier.DelayThreshold.Duration / time.Second),
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: maxTip,
		}
	}
	return schedule, nil
}
