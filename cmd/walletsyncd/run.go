package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/walletsync/internal/accounts"
	"github.com/Klingon-tech/walletsync/internal/backend"
	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
	"github.com/Klingon-tech/walletsync/internal/ledger"
	"github.com/Klingon-tech/walletsync/internal/metrics"
	"github.com/Klingon-tech/walletsync/internal/polling"
	"github.com/Klingon-tech/walletsync/internal/rpc"
	"github.com/Klingon-tech/walletsync/internal/signer"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

var rpcAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if rpcAddr != "" {
			cfg.RPC.ListenAddr = rpcAddr
		}
		return run(cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&rpcAddr, "rpc", "", "JSON-RPC API address, overrides config")
}

func run(cfg *config.Config) error {
	logCfg := &logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(cfg.Storage.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	// Metrics
	rec := metrics.New()
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := rec.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				log.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	// Backends
	registry := backend.NewDefaultRegistry(cfg.Backend.SocketURLs)
	registry.ConnectAll(ctx)
	defer registry.CloseAll()

	lite := make(map[chain.Network]*backend.LiteFetcher)
	for _, network := range chain.Networks {
		f, err := backend.DialLite(network, cfg.Backend.Lite)
		if err != nil {
			if network == cfg.Network {
				return err
			}
			log.Warn("Lite servers unavailable", "network", network, "error", err)
			continue
		}
		lite[network] = f
	}
	sources := func(network chain.Network, c chain.Chain) accounts.BalanceSource {
		f, ok := lite[network]
		if !ok || c != chain.TON {
			return nil
		}
		return f
	}

	// Polling
	focus := polling.NewFocusTracker(true)
	pollManager := polling.NewManager(polling.ManagerConfig{
		Env: polling.Env{
			Focus:   focus,
			Metrics: rec,
			Log:     log.Component("polling"),
		},
		Watch:               registry,
		ActiveTiming:        cfg.Polling.Active,
		InactiveTiming:      cfg.Polling.Inactive,
		InactiveConcurrency: cfg.Polling.InactiveConcurrency,
		CoalesceDelay:       cfg.Polling.UpdateCoalesceDelay,
	})

	// The RPC server is created last but receives events from the start.
	var srv *rpc.Server

	tracker := accounts.New(ctx, accounts.Config{
		Store:   store,
		Polling: pollManager,
		Sources: sources,
		OnBalance: func(u accounts.BalanceUpdate) {
			if srv != nil {
				srv.NotifyBalance(u)
			}
		},
		Logger: log.Component("accounts"),
	})
	defer tracker.Close()

	// Ledger
	mode, err := ledger.ParseMode(cfg.Ledger.Mode)
	if err != nil {
		return err
	}
	newManager := func(t ledger.Transport) *ledger.Manager {
		return ledger.NewManager(ledger.ManagerConfig{
			Transport:       t,
			VendorID:        cfg.Ledger.USBVendorID,
			AppTimeout:      cfg.Ledger.AppTimeout,
			AppAttemptPause: cfg.Ledger.AppAttemptPause,
			ScanTimeout:     cfg.Ledger.ScanTimeout,
			Metrics:         rec,
			Logger:          log.Component("ledger").With("mode", t.Mode()),
		})
	}
	ledgerService, err := ledger.NewService(mode,
		newManager(ledger.NewUSBTransport()),
		newManager(ledger.NewBLETransport()),
	)
	if err != nil {
		return err
	}
	defer ledgerService.Close()

	discovery := ledger.NewDiscovery(ledger.DiscoveryConfig{
		Network:   cfg.Network,
		App:       ledger.NewTonApp(ledgerService),
		Devices:   ledgerService,
		Balances:  lite[cfg.Network],
		Store:     tracker,
		BatchSize: cfg.Ledger.DiscoveryBatchSize,
		OnChange: func(wallets []ledger.DiscoveredWallet) {
			if srv != nil {
				srv.NotifyDiscovery(wallets)
			}
		},
		Logger: log.Component("discovery"),
	})

	signers := &signer.Factory{
		Keys:    store,
		Ledger:  ledgerService,
		Metrics: rec,
		Logger:  log.Component("signer"),
	}

	srv = rpc.NewServer(rpc.Config{
		Network:   cfg.Network,
		Accounts:  tracker,
		Focus:     focus,
		Ledger:    ledgerService,
		Discovery: discovery,
		Signers:   signers,
		Logger:    log.Component("rpc"),
	})
	if err := srv.Start(cfg.RPC.ListenAddr); err != nil {
		return err
	}

	if err := tracker.Load(); err != nil {
		log.Warn("Failed to load accounts", "error", err)
	}

	printBanner(log, cfg, mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := srv.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
	return nil
}

func printBanner(log *logging.Logger, cfg *config.Config, mode ledger.Mode) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Wallet sync daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	if cfg.Metrics.ListenAddr != "" {
		log.Infof("  Metrics: http://%s/metrics", cfg.Metrics.ListenAddr)
	}
	log.Infof("  Ledger: %s", mode)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
