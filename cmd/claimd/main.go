// claimd is the reward claim service daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	"github.com/dropvault/dropclaim/internal/httpapi"
	"github.com/dropvault/dropclaim/internal/janitor"
	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/ledger"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/metrics"
	"github.com/dropvault/dropclaim/internal/oracle"
	"github.com/dropvault/dropclaim/internal/redeem"
	"github.com/dropvault/dropclaim/internal/reserve"
	"github.com/dropvault/dropclaim/internal/storage"
	recmem "github.com/dropvault/dropclaim/internal/storage/memory"
	"github.com/dropvault/dropclaim/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "claimd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("claimd", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, sweeper, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	records, closeRecords, err := openRecords(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRecords()

	oracleClient, err := oracle.NewClient(oracle.Config{
		BaseURL: cfg.Oracle.BaseURL,
		Timeout: cfg.Oracle.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("oracle client: %w", err)
	}

	ledgerClient, err := ledger.NewClient(ledger.Config{
		RPCURL:  cfg.Ledger.RPCURL,
		Timeout: cfg.Ledger.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	policies := config.NewPolicyProvider(cfg.Policy)
	epochs := epoch.NewManager(store, cfg.Epoch.SubjectID, cfg.Epoch.Duration.Std(), log)
	guard := eligibility.NewGuard(oracleClient, store, log)
	journal := claim.NewJournal(store, log)
	claimLedger := claim.NewLedger(store, journal, log)
	replay := claim.NewReplayGuard(store)
	reservations := reserve.New(store, guard, claimLedger, epochs, policies, log)
	executor := redeem.New(reservations, guard, claimLedger, replay, ledgerClient, records, epochs, policies, m, log)

	background := janitor.New(journal, reservations, epochs, sweeper, m, log)
	if err := background.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer background.Stop()

	server := httpapi.NewServer(store, guard, claimLedger, reservations, executor, records, epochs, policies, m, log)
	router := server.Router(httpapi.Options{
		AdminJWTSecret: cfg.Server.AdminJWTSecret,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("claimd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore connects to Redis when configured, falling back to the in-memory
// store for single-process deployments.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (kv.Store, janitor.Sweeper, error) {
	if cfg.Redis.Addr != "" {
		store, err := kv.NewRedis(ctx, kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.WithField("addr", cfg.Redis.Addr).Info("using redis store")
		return store, nil, nil
	}

	log.Warn("no redis configured, using in-memory store")
	memory := kv.NewMemory()
	return memory, memory, nil
}

func openRecords(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.RecordStore, func(), error) {
	if cfg.Postgres.DSN != "" {
		store, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("using postgres record store")
		return store, func() { _ = store.Close() }, nil
	}

	log.Warn("no postgres configured, claim records held in memory")
	return recmem.New(), func() {}, nil
}
