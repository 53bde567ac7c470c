package bridged

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aegisbridge/bridge"
	"aegisbridge/config"
	"aegisbridge/core/events"
	"aegisbridge/fraud"
	"aegisbridge/gateway"
	"aegisbridge/gateway/auth"
	"aegisbridge/gateway/ratelimit"
	"aegisbridge/gateway/replay"
	"aegisbridge/observability/logging"
	telemetry "aegisbridge/observability/otel"
	"aegisbridge/stake"
	"aegisbridge/storage"
)

// Main initialises and runs the bridge daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to bridged configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AEGIS_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if env == "" {
		env = cfg.Environment
	}

	logger := logging.Setup("bridged", env, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint == "" {
		otlpEndpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "bridged",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewLevelDB(filepath.Join(cfg.Storage.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	archive, err := OpenArchive(cfg.Storage.ArchivePath, logger)
	if err != nil {
		return fmt.Errorf("open event archive: %w", err)
	}
	defer archive.Close()
	emitter := events.Tee(broker, archive)

	upstream, err := NewUpstreamClient(
		cfg.Upstream.NodeURL,
		cfg.Upstream.ExecutorURL,
		time.Duration(cfg.Upstream.RequestTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return err
	}

	policy, err := fraud.LoadPolicy(cfg.Fraud.PolicyPath)
	if err != nil {
		return fmt.Errorf("load fraud policy: %w", err)
	}
	maxTxSize := cfg.Fraud.MaxTransactionSize
	if policy.MaxTransactionSize > 0 {
		maxTxSize = policy.MaxTransactionSize
	}
	maxCost := cfg.Fraud.MaxCostPerTransaction
	if policy.MaxCostPerTransaction > 0 {
		maxCost = policy.MaxCostPerTransaction
	}

	tokens := bridge.NewTokenRegistry(policy.SupportedAssets...)

	ledger, err := bridge.NewLedger(
		store, tokens, upstream, upstream,
		time.Duration(cfg.Withdrawals.ChallengePeriodSeconds)*time.Second,
		bridge.WithEmitter(emitter),
	)
	if err != nil {
		return fmt.Errorf("init withdrawal ledger: %w", err)
	}

	spent, err := fraud.NewStoredSpentIndex(store)
	if err != nil {
		return fmt.Errorf("init spent index: %w", err)
	}
	rules, err := fraud.DefaultRules(maxTxSize, spent, upstream, maxCost, policy.ProgramBudgets)
	if err != nil {
		return fmt.Errorf("init fraud rules: %w", err)
	}
	pipeline, err := fraud.NewPipeline(upstream, cfg.Fraud.MaxTransactionsPerBlock, rules, fraud.WithEmitter(emitter))
	if err != nil {
		return fmt.Errorf("init fraud pipeline: %w", err)
	}

	credStore, err := auth.NewBoltCredentialStore(filepath.Join(cfg.Storage.DataDir, "credentials.db"), nil)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer credStore.Close()
	authenticator, err := auth.NewAuthenticator(credStore)
	if err != nil {
		return fmt.Errorf("init authenticator: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.Gateway.MaxRequestsPerMinute)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	noncePersistence, err := replay.NewLevelDBNoncePersistence(filepath.Join(cfg.Storage.DataDir, "nonces"))
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer noncePersistence.Close()
	guard, err := replay.NewGuard(cfg.Replay.NonceExpirationBlocks, replay.WithPersistence(noncePersistence))
	if err != nil {
		return fmt.Errorf("init replay guard: %w", err)
	}
	if err := guard.Hydrate(context.Background()); err != nil {
		return fmt.Errorf("hydrate replay guard: %w", err)
	}

	secGateway, err := gateway.New(authenticator, limiter, guard, gateway.WithEmitter(emitter))
	if err != nil {
		return fmt.Errorf("init security gateway: %w", err)
	}

	stakeSource, err := stake.NewLedgerSource(store)
	if err != nil {
		return fmt.Errorf("init stake source: %w", err)
	}
	verifier, err := stake.NewVerifier(stakeSource, cfg.MinValidatorStake())
	if err != nil {
		return fmt.Errorf("init stake verifier: %w", err)
	}

	server, err := NewServer(ServerConfig{
		Ledger:      ledger,
		Pipeline:    pipeline,
		Gateway:     secGateway,
		Issuer:      authenticator,
		Verifier:    verifier,
		Broker:      broker,
		Archive:     archive,
		Emitter:     emitter,
		AdminSecret: cfg.Gateway.ApiKeySecret,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	burst := newBurstLimiter(cfg.Gateway.MaxRequestsPerMinute, 20)
	handler := otelhttp.NewHandler(burst.Middleware(server), "bridged")

	httpServer := &http.Server{
		Addr:         cfg.Gateway.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("bridged listening", "address", cfg.Gateway.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
