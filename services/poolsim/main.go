package poolsim

import (
	"context"
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

	"stakeproxy/core/epoch"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/observability/logging"
)

// Main initialises and runs the pool simulator daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poolsim/config.toml", "path to poolsim configuration")
	flag.Parse()

	cfg, err := Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("STAKEPROXY_ENV"))
	logger := logging.SetupWithLevel(os.Stdout, "poolsim", env, logging.ParseLevel(cfg.LogLevel))

	sim, err := NewSimulator(cfg)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewServer(sim, cfg.BearerToken, cfg.AdminToken, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("poolsim listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// NewSimulator builds a simulator whose unlock epochs follow the wall clock.
func NewSimulator(cfg *Config) (*pool.Simulator, error) {
	price, err := cfg.Price()
	if err != nil {
		return nil, err
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, err
	}
	length, err := cfg.Length()
	if err != nil {
		return nil, err
	}
	clock, err := epoch.NewClock(epoch.Config{Genesis: genesis, Length: length})
	if err != nil {
		return nil, err
	}
	return pool.NewSimulator(
		pool.WithEpochSource(clock.Current),
		pool.WithUnlockEpochs(cfg.UnlockEpochs),
		pool.WithSharePrice(price),
		pool.WithFeeBasisPoints(cfg.FeeBasisPoints),
	), nil
}
