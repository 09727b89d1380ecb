package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	engineconfig "vaultlend/config"
	"vaultlend/core/events"
	"vaultlend/native/lending"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
	"vaultlend/observability"
	"vaultlend/observability/logging"
	"vaultlend/observability/metrics"
	telemetry "vaultlend/observability/otel"
	"vaultlend/services/lendingd/config"
	"vaultlend/services/lendingd/feeds"
	"vaultlend/services/lendingd/journal"
	"vaultlend/services/lendingd/seed"
	"vaultlend/services/lendingd/server"
	"vaultlend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "lendingd.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("lendingd", cfg.Environment)
	if err := run(&cfg, logger); err != nil {
		logger.Error("lendingd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	engineCfg, err := engineconfig.Load(cfg.EngineConfig)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}
	owner, err := engineCfg.Lending.OwnerAddress()
	if err != nil {
		return err
	}
	custody, err := engineCfg.Lending.CustodyAddress()
	if err != nil {
		return err
	}

	db, err := openStorage(engineCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(owner.Raw(), db)
	if err != nil {
		return err
	}
	currency, err := stable.New(owner.Raw(), db)
	if err != nil {
		return err
	}
	if cfg.SeedPath != "" {
		file, err := seed.Load(cfg.SeedPath)
		if err != nil {
			return err
		}
		res, err := seed.Apply(db, file, reg, currency, owner, custody)
		if err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed processed", "status", seedStatus(res), "assets", res.Assets, "balances", res.Balances)
	}

	manual := oracle.NewManualFeed()
	if cfg.Oracle.ManualPrice != "" {
		if err := manual.SetDecimal(cfg.Oracle.ManualPrice, cfg.Oracle.Decimals, time.Now()); err != nil {
			return fmt.Errorf("manual price: %w", err)
		}
	}
	builder := feeds.NewBuilder(manual, metrics.Oracle())
	feedDefaults := func(spec feeds.Spec) feeds.Spec {
		if spec.Heartbeat <= 0 {
			spec.Heartbeat = engineCfg.Lending.Heartbeat()
		}
		if spec.Timeout <= 0 {
			spec.Timeout = cfg.Oracle.Timeout.Duration
		}
		if spec.Type == cfg.Oracle.Type && spec.APIKey == "" {
			spec.APIKey = cfg.Oracle.APIKey
		}
		spec.Strict = engineCfg.Lending.StrictOracle
		return spec
	}
	factory := func(ctx context.Context, spec feeds.Spec) (oracle.Feed, error) {
		return builder.Build(ctx, feedDefaults(spec))
	}
	feed, err := factory(ctx, feeds.Spec{
		Type:       cfg.Oracle.Type,
		Endpoint:   cfg.Oracle.Endpoint,
		APIKey:     cfg.Oracle.APIKey,
		Aggregator: cfg.Oracle.Aggregator,
		Decimals:   cfg.Oracle.Decimals,
	})
	if err != nil {
		return fmt.Errorf("build price feed: %w", err)
	}

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := journalDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	jr := journal.New(journalDB, logger)
	bus := events.NewBus(jr, observability.Events())

	engine, err := lending.NewEngine(owner, custody, engineCfg.Lending.Params())
	if err != nil {
		return err
	}
	ledger, err := lending.NewLedger(db)
	if err != nil {
		return err
	}
	if err := engine.SetLedger(ledger); err != nil {
		return err
	}
	engine.SetRegistry(reg)
	engine.SetCurrency(currency)
	engine.SetPriceFeed(feed)
	engine.SetEmitter(bus)
	if state, err := engine.State(ctx); err == nil {
		observability.Lending().SetState(state.ActiveLoanCount, state.Params.InterestRateBps, state.Paused)
	}

	srv := server.New(server.Config{
		Engine:     engine,
		Registry:   reg,
		Currency:   currency,
		Journal:    jr,
		Bus:        bus,
		Feeds:      factory,
		ManualFeed: manual,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			AdminScope: cfg.Auth.AdminScope,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress, "owner", owner.String(), "custody", custody.String())
		if tlsCfg != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// openStorage opens the key-value store shared by the registry, the stable
// ledger and the loan ledger.
func openStorage(cfg *engineconfig.Config) (storage.Database, error) {
	switch cfg.StorageBackend {
	case engineconfig.BackendMemory:
		return storage.NewMemDB(), nil
	case engineconfig.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "vaultlend.bolt"), nil)
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "leveldb"))
	}
}

func seedStatus(res seed.Result) string {
	if res.Skipped {
		return "skipped"
	}
	return "applied"
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
