package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"x402insurance/auth"
	"x402insurance/config"
	"x402insurance/gateway"
	"x402insurance/observability/logging"
	"x402insurance/reserve"
	"x402insurance/settlement"
	"x402insurance/storage"
	"x402insurance/zkengine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to service configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("X402_ENV"))
	log := logging.Setup("x402insured", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ledger, err := auth.OpenNonceLedger(cfg.Payment.NoncePath, cfg.Payment.NonceRetention.Duration)
	if err != nil {
		return fmt.Errorf("open nonce ledger: %w", err)
	}
	defer ledger.Close()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var settler settlement.Settler
	if cfg.Chain.WalletKey != "" {
		backend, err := settlement.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial chain rpc: %w", err)
		}
		client, err := settlement.New(
			backend,
			cfg.Chain.WalletKey,
			cfg.Chain.TokenAddress,
			cfg.Chain.ChainID,
			cfg.Chain.MaxGasPriceGwei,
			settlement.WithMaxRetries(cfg.Chain.MaxRetries),
			settlement.WithConfirmationTimeout(cfg.Chain.ConfirmationTimeout.Duration),
			settlement.WithPollInterval(cfg.Chain.ReceiptPollInterval.Duration),
		)
		if err != nil {
			return fmt.Errorf("init settlement client: %w", err)
		}
		log.Info("settlement wallet initialised", "address", client.Address().Hex())
		settler = client
	} else {
		log.Warn("no wallet key configured, refunds run in mock mode")
		settler = settlement.NewMockClient(log)
	}

	var verifier auth.Verifier
	if cfg.Payment.Mode == config.PaymentModeFull {
		verifier = auth.NewPaymentVerifier(
			cfg.Chain.BackendAddress,
			cfg.Chain.TokenAddress,
			cfg.Chain.ChainID,
			ledger,
		)
	} else {
		verifier = auth.NewSimplePaymentVerifier(cfg.Chain.BackendAddress, cfg.Chain.TokenAddress)
	}
	log.Info("payment verification configured", "mode", cfg.Payment.Mode)

	monitor := reserve.NewMonitor(settler, store, cfg.Reserve.MinRatio,
		reserve.WithPolicyExpirer(store))
	engine := zkengine.NewBinaryEngine(cfg.ZKEngine.BinaryPath, cfg.ZKEngine.Timeout.Duration)

	server := gateway.NewServer(
		verifier, store, settler, engine, monitor,
		gateway.InsuranceParams{
			PremiumBps:       cfg.Insurance.PremiumBps,
			MaxCoverageUnits: cfg.Insurance.MaxCoverageUnits,
			PolicyDuration:   cfg.Insurance.PolicyDuration.Duration,
		},
		gateway.PaymentParams{
			BackendAddress: cfg.Chain.BackendAddress,
			TokenAddress:   cfg.Chain.TokenAddress,
			Network:        strconv.FormatInt(cfg.Chain.ChainID, 10),
			MaxAge:         cfg.Payment.MaxAge.Duration,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx, cfg.Reserve.PollInterval.Duration)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
