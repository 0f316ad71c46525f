// Package worker runs the background loops: the retry dispatcher and the
// periodic janitor.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
)

// RetryRunner executes one due retry. The engine implements it.
type RetryRunner interface {
	RunRetry(ctx context.Context, transactionID string, attempt int) error
}

// Dispatcher pulls due entries off the retry queue and hands them to the
// runner, one at a time. Ordering follows the queue; a failed run is logged
// and the loop continues, the transaction's own state decides what happens
// next.
type Dispatcher struct {
	queue  *retryqueue.Queue
	runner RetryRunner
	logger *slog.Logger
}

func NewDispatcher(queue *retryqueue.Queue, runner RetryRunner, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, runner: runner, logger: logger}
}

// Start blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("retry dispatcher started")
	for {
		entry, err := d.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("retry dispatcher stopping")
				return
			}
			d.logger.Error("retry claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		d.logger.Info("dispatching retry",
			"transaction_id", entry.TransactionID,
			"attempt", entry.Attempt,
		)
		if err := d.runner.RunRetry(ctx, entry.TransactionID, entry.Attempt); err != nil {
			d.logger.Error("retry run failed",
				"transaction_id", entry.TransactionID,
				"attempt", entry.Attempt,
				"error", err,
			)
		}
	}
}
