package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/compensation"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/config"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/engine"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/locker"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/provider"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/recovery"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retry"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/postgres"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"env", cfg.Primary.Env,
		"log_level", cfg.Logger.Level,
	)

	ctx := context.Background()
	db, err := postgres.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	clk := clock.SystemClock{}
	bus := eventbus.New(postgres.NewEventSink(db.Pool), clk, logger)

	txnStore := postgres.NewTransactionStore(db.Pool)
	recordStore := postgres.NewRecordStore(db.Pool)
	lockStore := postgres.NewLockStore(db.Pool)
	entryStore := postgres.NewEntryStore(db.Pool)
	dlqStore := postgres.NewDLQStore(db.Pool)
	opStore := postgres.NewOperationStore(db.Pool)

	simulator := provider.NewSimulator(cfg.Provider.WebhookSecret)
	providerPort := provider.NewRetrying(simulator, provider.RetryConfig{
		MaxRetries:      uint64(cfg.Provider.MaxRetries),
		InitialInterval: cfg.Provider.InitialInterval,
		MaxInterval:     cfg.Provider.MaxInterval,
	}, logger)

	locks := locker.NewManager(lockStore, locker.Config{
		Expiration:         cfg.Locks.Expiration,
		RenewalInterval:    cfg.Locks.RenewalInterval,
		CleanupInterval:    cfg.Locks.CleanupInterval,
		DefaultWaitTimeout: cfg.Locks.DefaultWaitTimeout,
	}, clk, bus, logger)
	if err := locks.Load(ctx); err != nil {
		logger.Error("failed to restore record locks", "error", err)
		os.Exit(1)
	}

	idem := idempotency.NewManager(recordStore, idempotency.Config{
		LockTTL:             cfg.Idempotency.LockTTL,
		RecordExpiration:    cfg.Idempotency.RecordExpiration,
		StaleRequestTimeout: cfg.Idempotency.StaleRequestTimeout,
		SweepInterval:       cfg.Idempotency.SweepInterval,
	}, clk, bus, logger)

	queue := retryqueue.New(entryStore, clk, logger)
	if err := queue.Load(ctx); err != nil {
		logger.Error("failed to restore retry queue", "error", err)
		os.Exit(1)
	}

	retries := retry.NewManager(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Backoff:      retry.BackoffKind(cfg.Retry.Backoff),
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		JitterFactor: cfg.Retry.JitterFactor,
	}, txnStore, queue, clk, bus, logger)

	deadLetters := dlq.New(dlqStore, clk, bus, logger)

	strategies := []recovery.Strategy{
		recovery.NewNetworkRecovery(providerPort),
		recovery.NewTimeoutRecovery(providerPort, clk,
			cfg.Recovery.TimeoutProbeDelay, cfg.Recovery.TimeoutMaxWait),
		recovery.NewGeneralRecovery(providerPort),
	}
	recoveries := recovery.NewManager(strategies, txnStore, retries, deadLetters,
		recovery.Config{MaxAttempts: cfg.Recovery.MaxAttempts}, clk, bus, logger)

	handlers := compensation.NewHandlerRegistry()
	compensation.RegisterProviderHandlers(handlers, providerPort, logger)
	ledger := compensation.NewLedger(opStore, handlers, compensation.Config{
		DefaultMaxRetries: cfg.Compensation.DefaultMaxRetries,
		InitialBackoff:    cfg.Compensation.InitialBackoff,
		MaxBackoff:        cfg.Compensation.MaxBackoff,
	}, clk, bus, logger)

	mgr := engine.NewManager(engine.Deps{
		Store:         txnStore,
		Provider:      providerPort,
		Idempotency:   idem,
		Locks:         locks,
		Retries:       retries,
		Recovery:      recoveries,
		Compensations: ledger,
		DLQ:           deadLetters,
		Queue:         queue,
		Clock:         clk,
		Bus:           bus,
		Logger:        logger,
	})

	dispatcher := worker.NewDispatcher(queue, mgr, logger)
	janitor := worker.NewJanitor(worker.JanitorConfig{
		SweepSpec: cfg.Janitor.SweepSpec,
		StuckSpec: cfg.Janitor.StuckSpec,
		StatsSpec: cfg.Janitor.StatsSpec,
		StuckAge:  cfg.Janitor.StuckAge,
	}, txnStore, idem, func(ctx context.Context) (any, error) {
		return mgr.Stats(ctx)
	}, clk, bus, logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go locks.Start(workerCtx)
	go dispatcher.Start(workerCtx)
	if err := janitor.Start(workerCtx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancelWorkers()
	janitor.Stop()
	logger.Info("orchestrator exited")
}
