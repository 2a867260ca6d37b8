package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zkmint/internal/archive"
	"zkmint/internal/config"
	"zkmint/internal/ledger"
	"zkmint/internal/mint"
	"zkmint/internal/proofsvc"
	"zkmint/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()

	prover, err := newProver(cfg, logger)
	if err != nil {
		logger.Error("proof service client error", "error", err)
		os.Exit(1)
	}

	gateway, closeGateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("ledger gateway error", "error", err)
		os.Exit(1)
	}
	defer closeGateway()

	store, closeStore, err := newArchive(ctx, cfg, logger)
	if err != nil {
		logger.Error("archive error", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	metrics := server.NewMetrics()
	orch, err := mint.New(mint.Options{
		Prover:           prover,
		Gateway:          gateway,
		Config:           cfg.Mint,
		Archive:          store,
		Observers:        []mint.Observer{metrics},
		DefaultRecipient: cfg.Chain.DefaultRecipient,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("orchestrator error", "error", err)
		os.Exit(1)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Orchestrator: orch,
		Metrics:      metrics,
		Archive:      store,
		Ledger:       gateway,
		Logger:       logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}
}

func newProver(cfg *config.AppConfig, logger *slog.Logger) (proofsvc.Prover, error) {
	if cfg.Proof.URL == "" {
		logger.Warn("PROOF_SERVICE_URL not set, using the local prover")
		return proofsvc.NewLocalProver(), nil
	}
	return proofsvc.NewHTTPClient(cfg.Proof.URL, proofsvc.WithTimeout(cfg.Proof.Timeout))
}

func newGateway(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (ledger.Gateway, func(), error) {
	if cfg.Chain.PrivateKey == "" {
		logger.Warn("CHAIN_PRIVATE_KEY not set, using the in-memory ledger")
		return ledger.NewFakeGateway(cfg.Chain.FakePendingPolls), func() {}, nil
	}

	contract, err := cfg.NFTGeneratorAddress()
	if err != nil {
		return nil, nil, err
	}
	gw, err := ledger.NewEthGateway(ctx, ledger.EthGatewayConfig{
		RPCURL:          cfg.Chain.RPCURL,
		PrivateKeyHex:   cfg.Chain.PrivateKey,
		ContractAddress: contract.Hex(),
		Confirmations:   cfg.Chain.Confirmations,
		GasLimit:        cfg.Chain.GasLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	granted, err := gw.HasMinterRole(checkCtx)
	switch {
	case err != nil:
		logger.Warn("could not verify minter role", "minter", gw.Address(), "error", err)
	case !granted:
		logger.Warn("signing account lacks MINTER_ROLE; mints will revert", "minter", gw.Address())
	default:
		logger.Info("minter role verified", "minter", gw.Address(), "contract", contract)
	}
	return gw, gw.Close, nil
}

func newArchive(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (mint.Archive, func(), error) {
	switch {
	case cfg.Archive.PostgresDSN != "":
		store, err := archive.NewPostgresStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("archiving attempts to postgres")
		return store, store.Close, nil
	case cfg.Archive.FilePath != "":
		store, err := archive.NewFileStore(cfg.Archive.FilePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("archiving attempts to file", "path", cfg.Archive.FilePath)
		return store, func() {}, nil
	default:
		return archive.NewMemoryStore(), func() {}, nil
	}
}
