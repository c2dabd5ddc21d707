package vaultd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"treasuryvault/core/events"
	"treasuryvault/native/vault"
	"treasuryvault/observability"
	"treasuryvault/observability/logging"
	telemetry "treasuryvault/observability/otel"
	"treasuryvault/services/vaultd/wallet"
	"treasuryvault/storage"
)

// Main initialises and runs the vault daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithConfig("vaultd", cfg.Environment, cfg.Log)
	defer logCloser.Close()

	cfg.Telemetry.ServiceName = "vaultd"
	cfg.Telemetry.Environment = cfg.Environment
	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	transfer, confirmer, err := buildWallet(context.Background(), cfg.Wallet)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}

	feed := events.NewFeed(cfg.Stream.Buffer)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	v, err := vault.Open(ctx, backend, cfg.Genesis(),
		vault.WithWallet(transfer),
		vault.WithEmitter(events.MultiEmitter{feed}),
		vault.WithMetrics(observability.Vault()),
		vault.WithLogger(logger.With(slog.String("component", "vault"))),
	)
	cancel()
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	authenticator, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	server := NewServer(ServerConfig{
		Vault:       v,
		Feed:        feed,
		Auth:        authenticator,
		RateLimiter: NewRateLimiter(cfg.RateLimit),
		Metrics:     observability.Gateway(),
		Logger:      logger.With(slog.String("component", "http")),
		Stream:      cfg.Stream,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if confirmer != nil && cfg.Wallet.Confirmations > 0 {
		monitor := NewConfirmationMonitor(confirmer, cfg.Wallet.Confirmations, cfg.Wallet.PollInterval.Duration,
			logger.With(slog.String("component", "confirmations")))
		done := make(chan struct{})
		go func() {
			defer close(done)
			monitor.Run(stopCtx, feed)
		}()
		defer func() { <-done }()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "vaultd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("vaultd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("asset", v.Asset().Code),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("wallet", cfg.Wallet.Mode),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func buildWallet(ctx context.Context, cfg WalletConfig) (wallet.Wallet, wallet.Confirmer, error) {
	switch cfg.Mode {
	case WalletModeEVM:
		client, err := wallet.DialEVMClient(cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		var opts []wallet.EVMOption
		if treasury := strings.TrimSpace(cfg.Treasury); treasury != "" {
			opts = append(opts, wallet.WithTreasury(common.HexToAddress(treasury)))
		}
		evm, err := wallet.NewEVMWallet(client, cfg.ChainID, cfg.SignerKey, cfg.GasLimit, opts...)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		verifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = evm.VerifyChain(verifyCtx)
		cancel()
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		slog.Info("evm wallet ready",
			slog.String("from", evm.From().Hex()),
			slog.Uint64("chain_id", cfg.ChainID),
			slog.String("treasury", cfg.Treasury),
			logging.MaskField("signer_key", cfg.SignerKey),
		)
		return evm, evm, nil
	default:
		return wallet.NewBook(), nil, nil
	}
}
