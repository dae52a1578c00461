// Command mixtond runs the mixing daemon: the REST API plus the payout
// release processor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/Leepey/Mixton-sub002/internal/chain"
	"github.com/Leepey/Mixton-sub002/internal/config"
	"github.com/Leepey/Mixton-sub002/internal/httpapi"
	adminsvc "github.com/Leepey/Mixton-sub002/internal/services/admin"
	"github.com/Leepey/Mixton-sub002/internal/services/mixer"
	"github.com/Leepey/Mixton-sub002/internal/services/pools"
	"github.com/Leepey/Mixton-sub002/internal/storage"
	"github.com/Leepey/Mixton-sub002/internal/storage/memory"
	"github.com/Leepey/Mixton-sub002/internal/storage/postgres"
	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mixtond: %v\n", err)
		os.Exit(1)
	}
}

type stores struct {
	pools    storage.PoolStore
	mix      storage.MixStore
	settings storage.SettingsStore
	db       *sqlx.DB
}

func buildStores(cfg config.DatabaseConfig) (stores, error) {
	switch cfg.Driver {
	case "memory":
		st := memory.New()
		return stores{pools: st, mix: st, settings: st}, nil
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.DSN)
		if err != nil {
			return stores{}, fmt.Errorf("connect database: %w", err)
		}
		st := postgres.New(db)
		return stores{pools: st, mix: st, settings: st, db: db}, nil
	default:
		return stores{}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging)

	st, err := buildStores(cfg.Database)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	ledger, err := chain.NewClient(chain.Config{
		RPCURL:  cfg.Ledger.RPCURL,
		Timeout: cfg.Ledger.Timeout,
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	registry := pools.New(st.pools, log.WithField("component", "pools"))
	validator := adminsvc.New(st.pools, st.settings, log.WithField("component", "admin"))
	mixerSvc := mixer.New(registry, st.mix, ledger, mixer.NewSplitter(), log.WithField("component", "mixer"))

	processor := mixer.NewProcessor(st.mix, mixerSvc, ledger, mixer.ProcessorConfig{
		Interval:      cfg.Mixer.TickInterval,
		BatchLimit:    cfg.Mixer.BatchLimit,
		Workers:       cfg.Mixer.Workers,
		MaxAttempts:   cfg.Mixer.MaxAttempts,
		Backoff:       cfg.Mixer.RetryBackoff,
		LedgerTimeout: cfg.Mixer.LedgerTimeout,
		LedgerRate:    rate.Limit(cfg.Mixer.LedgerRate),
	}, log.WithField("component", "processor"))

	handler := httpapi.NewHandler(mixerSvc, registry, validator, log.WithField("component", "httpapi"))
	handler = httpapi.Chain(handler, httpapi.MiddlewareConfig{
		AllowedOrigins:    cfg.Server.CORSAllowedOrigins,
		RequestsPerSecond: cfg.Server.RateLimit,
		Burst:             cfg.Server.RateBurst,
	}, log.WithField("component", "httpapi"))
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("processor shutdown failed")
	}

	return nil
}
