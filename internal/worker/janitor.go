package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
)

type JanitorConfig struct {
	// Cron specs, robfig/cron syntax. Empty disables the job.
	SweepSpec string
	StuckSpec string
	StatsSpec string

	// StuckAge is how long a PENDING transaction may sit before it is failed.
	StuckAge time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		SweepSpec: "@every 1h",
		StuckSpec: "@every 5m",
		StatsSpec: "@every 1m",
		StuckAge:  15 * time.Minute,
	}
}

// Janitor owns the periodic maintenance: the idempotency sweep, the stuck
// PENDING scan and the stats log line.
type Janitor struct {
	cron   *cron.Cron
	cfg    JanitorConfig
	store  application.TransactionStore
	idem   *idempotency.Manager
	stats  func(ctx context.Context) (any, error)
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *slog.Logger
}

func NewJanitor(
	cfg JanitorConfig,
	store application.TransactionStore,
	idem *idempotency.Manager,
	stats func(ctx context.Context) (any, error),
	clk clock.Clock,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *Janitor {
	if cfg.StuckAge == 0 {
		cfg = DefaultJanitorConfig()
	}
	return &Janitor{
		cron:   cron.New(),
		cfg:    cfg,
		store:  store,
		idem:   idem,
		stats:  stats,
		clock:  clk,
		bus:    bus,
		logger: logger,
	}
}

// Start registers the jobs and starts the scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	if j.cfg.SweepSpec != "" {
		if _, err := j.cron.AddFunc(j.cfg.SweepSpec, func() {
			if err := j.idem.Sweep(ctx); err != nil {
				j.logger.Error("idempotency sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	if j.cfg.StuckSpec != "" {
		if _, err := j.cron.AddFunc(j.cfg.StuckSpec, func() {
			j.FailStuck(ctx)
		}); err != nil {
			return err
		}
	}
	if j.cfg.StatsSpec != "" && j.stats != nil {
		if _, err := j.cron.AddFunc(j.cfg.StatsSpec, func() {
			snapshot, err := j.stats(ctx)
			if err != nil {
				j.logger.Error("stats snapshot failed", "error", err)
				return
			}
			j.logger.Info("engine stats", "stats", snapshot)
		}); err != nil {
			return err
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		"sweep", j.cfg.SweepSpec,
		"stuck", j.cfg.StuckSpec,
		"stats", j.cfg.StatsSpec,
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// FailStuck fails PENDING transactions older than StuckAge. These never
// reached the provider, so failing them is safe and frees their idempotency
// keys for a clean retry by the client.
func (j *Janitor) FailStuck(ctx context.Context) {
	cutoff := j.clock.Now().Add(-j.cfg.StuckAge)
	stuck, err := j.store.QueryAll(ctx, application.TransactionFilter{
		Status:        domain.StatusPending,
		CreatedBefore: cutoff,
	})
	if err != nil {
		j.logger.Error("stuck transaction scan failed", "error", err)
		return
	}

	for _, txn := range stuck {
		now := j.clock.Now()
		txn.RecordError(domain.KindTimeout, "transaction stuck in PENDING past deadline", now)
		if err := txn.TransitionTo(domain.StatusFailed, now); err != nil {
			continue
		}
		if err := j.store.Update(ctx, txn); err != nil {
			j.logger.Error("stuck transaction fail persist failed",
				"transaction_id", txn.ID,
				"error", err,
			)
			continue
		}
		j.logger.Warn("stuck transaction failed",
			"transaction_id", txn.ID,
			"age", now.Sub(txn.CreatedAt),
		)
		j.bus.Publish(ctx, eventbus.TransactionStatusChanged, eventbus.TxnPayload(txn.ID, map[string]string{
			"from":   string(domain.StatusPending),
			"to":     string(domain.StatusFailed),
			"reason": "stuck_timeout",
		}))
		if err := j.idem.ReleaseLock(ctx, txn.IdempotencyKey); err != nil {
			j.logger.Error("stuck transaction idempotency release failed",
				"transaction_id", txn.ID,
				"error", err,
			)
		}
	}
}
