package proxyd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"stakeproxy/core/epoch"
	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/observability/logging"
	telemetry "stakeproxy/observability/otel"
	"stakeproxy/services/proxyd/journal"
	"stakeproxy/services/proxyd/wallet"
	"stakeproxy/storage"
)

// Main initialises and runs the proxy daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/proxyd/config.yaml", "path to proxyd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("STAKEPROXY_ENV"))
	logger := logging.SetupWithLevel(os.Stdout, serviceName, env, logging.ParseLevel(cfg.LogLevel))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Endpoint != "",
		Traces:      cfg.Telemetry.Endpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, cfg, logger)
}

// Run wires every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	params, err := cfg.Params()
	if err != nil {
		return err
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	clock, err := epoch.NewClock(epoch.Config{Genesis: cfg.Epoch.GenesisTime(), Length: cfg.Epoch.Length.Duration})
	if err != nil {
		return fmt.Errorf("epoch clock: %w", err)
	}

	client, err := openPool(cfg.Pool, clock)
	if err != nil {
		return err
	}

	metrics := NewMetrics()
	obs := observers{newCallObserver(metrics)}
	hub := NewHub(logger)
	emitters := events.MultiEmitter{hub}

	var store *journal.Store
	if cfg.Journal.Driver != "none" {
		store, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		store.SetLogger(logger)
		obs = append(obs, store)
		emitters = append(emitters, store)
	}

	dispatcher := promise.NewDispatcher(client,
		promise.WithWorkers(cfg.Dispatcher.Workers),
		promise.WithQueueCapacity(cfg.Dispatcher.Queue),
		promise.WithDefaultBudget(params.StakeBudget),
		promise.WithObserver(obs),
		promise.WithLogger(logger),
	)

	custody := wallet.NewMemory()
	for account, raw := range cfg.Wallet.Fund {
		amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("wallet fund %s: %w", account, err)
		}
		custody.Fund(account, amount)
	}

	engine := stakeproxy.NewEngine(stakeproxy.NewLedger(db), dispatcher, params)
	engine.SetBank(bankFor(custody))
	engine.SetEpochSource(clock)
	engine.SetEmitter(emitters)
	engine.SetLogger(logger)
	engine.SetRecorder(metrics)
	if cfg.PauseOnStart {
		if err := engine.Pause(); err != nil {
			return fmt.Errorf("pause on start: %w", err)
		}
	}

	callers, err := NewCallerAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	admin, err := NewAdminAuthenticator(AdminAuthConfig{BearerToken: cfg.Admin.BearerToken, AllowMTLS: cfg.Admin.MTLS.Enabled})
	if err != nil {
		return err
	}
	server, err := NewServer(ServerOptions{
		Engine:    engine,
		Wallet:    custody,
		Journal:   store,
		Hub:       hub,
		Callers:   callers,
		Admin:     admin,
		RateLimit: NewRateLimiter(cfg.RateLimit),
		Pending:   dispatcher.Pending,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if !cfg.Admin.TLS.Disable {
		tlsConfig, err := serverTLS(cfg.Admin)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	dispatcher.Start(ctx)
	poller := NewPoller(engine, cfg.Proxy.PingInterval.Duration, logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("proxyd listening", slog.String("addr", cfg.ListenAddress),
			slog.String("variant", params.Variant.String()), slog.String("pool", cfg.Pool.Mode),
			logging.MaskField("pool_bearer_token", cfg.Pool.BearerToken),
			logging.MaskField("journal_dsn", cfg.Journal.DSN))
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error { return poller.Run(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Dispatcher.DrainTimeout.Duration)
		defer cancelDrain()
		if err := dispatcher.Close(drainCtx); err != nil {
			logger.Warn("dispatcher drain incomplete", slog.Any("error", err))
		}
		return nil
	})
	return group.Wait()
}

func openStorage(cfg StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

func openPool(cfg PoolConfig, clock epoch.Source) (pool.Client, error) {
	if cfg.Mode == "rpc" {
		client, err := pool.NewRPCClient(pool.RPCConfig{
			BaseURL:         cfg.URL,
			BearerToken:     cfg.BearerToken,
			TLSClientCAFile: cfg.CAFile,
			AllowInsecure:   cfg.AllowInsecure,
			Timeout:         cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("pool rpc client: %w", err)
		}
		return client, nil
	}
	opts := []pool.SimulatorOption{pool.WithEpochSource(clock.Current)}
	if cfg.UnlockEpochs > 0 {
		opts = append(opts, pool.WithUnlockEpochs(cfg.UnlockEpochs))
	}
	return pool.NewSimulator(opts...), nil
}

// bankFor pays engine payouts out of the custody wallet.
func bankFor(w wallet.Wallet) stakeproxy.Bank {
	return stakeproxy.BankFunc(func(ctx context.Context, account string, amount *uint256.Int) error {
		_, err := w.Transfer(ctx, account, amount)
		return err
	})
}

func serverTLS(cfg AdminConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MTLS.Enabled {
		pem, err := os.ReadFile(cfg.MTLS.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca contains no certificates")
		}
		tlsConfig.ClientCAs = roots
		// Users authenticate with JWTs, so client certificates stay optional
		// at the handshake and are checked by the admin middleware.
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}
