// Package compensation keeps the per-transaction inverse-operation log and
// executes dependency-ordered rollback.
package compensation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

// OperationStore persists compensating operations, grouped by transaction.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *domain.CompensatingOperation) error
	UpdateOperation(ctx context.Context, op *domain.CompensatingOperation) error
	OperationsByTxn(ctx context.Context, transactionID string) ([]*domain.CompensatingOperation, error)
}

// HandlerFunc undoes one operation kind. Handlers must be idempotent and
// tolerate re-execution.
type HandlerFunc func(ctx context.Context, op *domain.CompensatingOperation) error

// HandlerRegistry maps operation kinds to their inverse handlers
// (authorize->void, capture->refund, and so on).
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.OperationKind]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[domain.OperationKind]HandlerFunc)}
}

func (r *HandlerRegistry) Register(kind domain.OperationKind, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

func (r *HandlerRegistry) handlerFor(kind domain.OperationKind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

type Config struct {
	DefaultMaxRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: 3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

// RegisterInput describes one forward operation to compensate for later.
type RegisterInput struct {
	Kind          domain.OperationKind
	Params        map[string]string
	OriginalState map[string]string
	ExecOrder     int
	Dependencies  []string
	MaxRetries    int
}

// Result summarises one rollback run.
type Result struct {
	Completed int
	Failed    int
	Skipped   int
}

func (r Result) AllCompleted() bool { return r.Failed == 0 && r.Skipped == 0 }

type Ledger struct {
	store    OperationStore
	handlers *HandlerRegistry
	cfg      Config
	clock    clock.Clock
	bus      *eventbus.Bus
	logger   *slog.Logger
}

func NewLedger(store OperationStore, handlers *HandlerRegistry, cfg Config, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Ledger {
	if cfg.DefaultMaxRetries == 0 {
		cfg = DefaultConfig()
	}
	return &Ledger{store: store, handlers: handlers, cfg: cfg, clock: clk, bus: bus, logger: logger}
}

// Register records the inverse operation before the forward one runs and
// returns the operation id.
func (l *Ledger) Register(ctx context.Context, transactionID string, input RegisterInput) (string, error) {
	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.cfg.DefaultMaxRetries
	}
	op := &domain.CompensatingOperation{
		ID:            clock.NewOperationID(),
		TransactionID: transactionID,
		Kind:          input.Kind,
		Params:        input.Params,
		OriginalState: input.OriginalState,
		ExecOrder:     input.ExecOrder,
		Dependencies:  append([]string(nil), input.Dependencies...),
		Status:        domain.OpPending,
		MaxRetries:    maxRetries,
		RegisteredAt:  l.clock.Now(),
	}
	if err := l.store.InsertOperation(ctx, op); err != nil {
		return "", domain.NewInternalError("compensating operation insert failed", err)
	}
	return op.ID, nil
}

// Operations returns the ledger for a transaction.
func (l *Ledger) Operations(ctx context.Context, transactionID string) ([]*domain.CompensatingOperation, error) {
	ops, err := l.store.OperationsByTxn(ctx, transactionID)
	if err != nil {
		return nil, domain.NewInternalError("compensating operation listing failed", err)
	}
	return ops, nil
}

// Execute rolls back every registered operation for the transaction in
// reverse execution order, respecting the dependency DAG. Operations sharing
// an execution order run in parallel. A failed operation (after its retries)
// marks all operations it transitively depends on as SKIPPED.
//
// The caller holds the transaction's exclusive lock; the ledger itself does
// not touch transaction state.
func (l *Ledger) Execute(ctx context.Context, transactionID string) (Result, error) {
	ops, err := l.Operations(ctx, transactionID)
	if err != nil {
		return Result{}, err
	}
	if len(ops) == 0 {
		return Result{}, nil
	}

	byID := make(map[string]*domain.CompensatingOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	// Dependents of op X are the operations that listed X in Dependencies.
	// X may only be undone after all its dependents settled.
	dependents := make(map[string][]string)
	for _, op := range ops {
		for _, dep := range op.Dependencies {
			dependents[dep] = append(dependents[dep], op.ID)
		}
	}

	for {
		stage := l.nextStage(ops, dependents)
		if len(stage) == 0 {
			break
		}
		l.runStage(ctx, stage)

		for _, op := range stage {
			if op.Status == domain.OpFailed {
				l.skipUpstream(ctx, op, byID)
			}
		}
	}

	var result Result
	for _, op := range ops {
		switch op.Status {
		case domain.OpCompleted:
			result.Completed++
		case domain.OpFailed:
			result.Failed++
		case domain.OpSkipped:
			result.Skipped++
		}
	}
	return result, nil
}

// nextStage picks the unsettled operations with the highest execution order
// whose dependents have all settled.
func (l *Ledger) nextStage(ops []*domain.CompensatingOperation, dependents map[string][]string) []*domain.CompensatingOperation {
	settled := make(map[string]bool, len(ops))
	for _, op := range ops {
		settled[op.ID] = op.IsSettled()
	}

	var candidates []*domain.CompensatingOperation
	for _, op := range ops {
		if op.IsSettled() {
			continue
		}
		ready := true
		for _, dependent := range dependents[op.ID] {
			if !settled[dependent] {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, op)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExecOrder > candidates[j].ExecOrder
	})
	maxOrder := candidates[0].ExecOrder
	stage := candidates[:0:0]
	for _, op := range candidates {
		if op.ExecOrder == maxOrder {
			stage = append(stage, op)
		}
	}
	return stage
}

func (l *Ledger) runStage(ctx context.Context, stage []*domain.CompensatingOperation) {
	g, stageCtx := errgroup.WithContext(ctx)
	for _, op := range stage {
		op := op
		g.Go(func() error {
			l.runOne(stageCtx, op)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Ledger) runOne(ctx context.Context, op *domain.CompensatingOperation) {
	handler, ok := l.handlers.handlerFor(op.Kind)
	if !ok {
		l.settle(ctx, op, domain.OpFailed, "no handler registered for "+string(op.Kind))
		return
	}

	op.Status = domain.OpExecuting
	if err := l.store.UpdateOperation(ctx, op); err != nil {
		l.logger.Error("compensating operation update failed", "op_id", op.ID, "error", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.InitialBackoff
	policy.MaxInterval = l.cfg.MaxBackoff

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if err := handler(ctx, op); err != nil {
			l.logger.Warn("compensation attempt failed",
				"op_id", op.ID,
				"kind", op.Kind,
				"attempt", attempts,
				"error", err,
			)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(op.MaxRetries)), ctx))

	op.RetryCount = attempts - 1
	if err != nil {
		l.settle(ctx, op, domain.OpFailed, err.Error())
		return
	}
	l.settle(ctx, op, domain.OpCompleted, "")
}

// skipUpstream marks everything a failed operation depends on, transitively,
// as SKIPPED: with the dependent unrolled back its prerequisites must stay.
func (l *Ledger) skipUpstream(ctx context.Context, failed *domain.CompensatingOperation, byID map[string]*domain.CompensatingOperation) {
	queue := append([]string(nil), failed.Dependencies...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		op, ok := byID[id]
		if !ok || op.IsSettled() {
			continue
		}
		l.settle(ctx, op, domain.OpSkipped, "upstream compensation failed")
		queue = append(queue, op.Dependencies...)
	}
}

func (l *Ledger) settle(ctx context.Context, op *domain.CompensatingOperation, status domain.OperationStatus, lastError string) {
	now := l.clock.Now()
	op.Status = status
	op.LastError = lastError
	op.ExecutedAt = &now
	if err := l.store.UpdateOperation(ctx, op); err != nil {
		l.logger.Error("compensating operation settle failed",
			"op_id", op.ID,
			"status", status,
			"error", err,
		)
	}
}
