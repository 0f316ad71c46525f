// Package reconciler diffs internal transaction state against the provider's
// records and reports discrepancies for operator review.
package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// ExternalRecord is one provider-side transaction row.
type ExternalRecord struct {
	Reference   string
	InternalID  string
	Status      string
	AmountCents int64
	Currency    string
}

// ExternalSource lists the provider's records for a time window. Provider
// adapters implement it against their reporting or settlement APIs.
type ExternalSource interface {
	ListTransactions(ctx context.Context, window Window) ([]ExternalRecord, error)
}

type Window struct {
	From time.Time
	To   time.Time
}

type MismatchKind string

const (
	MismatchStatus   MismatchKind = "status_mismatch"
	MismatchAmount   MismatchKind = "amount_mismatch"
	MismatchMissing  MismatchKind = "missing_external"
	MismatchOrphaned MismatchKind = "orphaned_external"
)

type Mismatch struct {
	Kind          MismatchKind
	TransactionID string
	ExternalRef   string
	Details       map[string]string
}

// Report is the outcome of one reconciliation run. Mismatches are ordered
// deterministically by (kind, transaction id, external ref).
type Report struct {
	Window      Window
	Checked     int
	Mismatches  []Mismatch
	GeneratedAt time.Time
}

func (r *Report) Clean() bool { return len(r.Mismatches) == 0 }

// statusClass folds internal and external statuses onto a common axis.
type statusClass int

const (
	classInFlight statusClass = iota
	classSuccess
	classFailure
	classUnknown
)

func internalClass(status domain.TransactionStatus) statusClass {
	switch status {
	case domain.StatusCompleted:
		return classSuccess
	case domain.StatusFailed, domain.StatusRolledBack:
		return classFailure
	default:
		return classInFlight
	}
}

func externalClass(status string) statusClass {
	switch status {
	case application.ExternalCompleted, application.ExternalSucceeded, application.ExternalSettled:
		return classSuccess
	case application.ExternalFailed, application.ExternalDeclined, application.ExternalError,
		application.ExternalVoided, application.ExternalReversed, application.ExternalCancelled,
		application.ExternalRefunded:
		return classFailure
	case application.ExternalPending, application.ExternalInitiated,
		application.ExternalProcessing, application.ExternalInProgress:
		return classInFlight
	default:
		return classUnknown
	}
}

type Reconciler struct {
	store  application.TransactionStore
	source ExternalSource
	clock  clock.Clock
	logger *slog.Logger
}

func New(store application.TransactionStore, source ExternalSource, clk clock.Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, source: source, clock: clk, logger: logger}
}

// Run reconciles the window. Internal transactions still in flight are not
// flagged against in-flight external records; a terminal side that disagrees
// with the other always is.
func (r *Reconciler) Run(ctx context.Context, window Window) (*Report, error) {
	internal, err := r.store.QueryAll(ctx, application.TransactionFilter{
		CreatedAfter:  window.From,
		CreatedBefore: window.To,
	})
	if err != nil {
		return nil, domain.NewInternalError("reconciliation internal listing failed", err)
	}

	external, err := r.source.ListTransactions(ctx, window)
	if err != nil {
		return nil, domain.NewProviderCommunicationError("reconciliation external listing failed", err)
	}

	byRef := make(map[string]*ExternalRecord, len(external))
	byInternalID := make(map[string]*ExternalRecord, len(external))
	for i := range external {
		rec := &external[i]
		byRef[rec.Reference] = rec
		if rec.InternalID != "" {
			byInternalID[rec.InternalID] = rec
		}
	}

	report := &Report{Window: window, GeneratedAt: r.clock.Now()}
	matched := make(map[string]bool, len(external))

	for _, txn := range internal {
		report.Checked++
		rec := r.match(txn, byRef, byInternalID)
		if rec == nil {
			// A transaction that never produced an external effect has nothing
			// to reconcile; a completed one without a provider record does.
			if internalClass(txn.Status) == classSuccess || txn.Meta(domain.MetaExternalRef) != "" {
				report.add(Mismatch{
					Kind:          MismatchMissing,
					TransactionID: txn.ID,
					ExternalRef:   txn.Meta(domain.MetaExternalRef),
					Details:       map[string]string{"internalStatus": string(txn.Status)},
				})
			}
			continue
		}
		matched[rec.Reference] = true
		r.compare(txn, rec, report)
	}

	for _, rec := range external {
		if matched[rec.Reference] {
			continue
		}
		report.add(Mismatch{
			Kind:        MismatchOrphaned,
			ExternalRef: rec.Reference,
			Details: map[string]string{
				"externalStatus": rec.Status,
				"amountCents":    strconv.FormatInt(rec.AmountCents, 10),
			},
		})
	}

	sort.Slice(report.Mismatches, func(i, j int) bool {
		a, b := report.Mismatches[i], report.Mismatches[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.TransactionID != b.TransactionID {
			return a.TransactionID < b.TransactionID
		}
		return a.ExternalRef < b.ExternalRef
	})

	if !report.Clean() {
		r.logger.Warn("reconciliation found mismatches",
			"checked", report.Checked,
			"mismatches", len(report.Mismatches),
		)
	}
	return report, nil
}

func (r *Reconciler) match(txn *domain.Transaction, byRef, byInternalID map[string]*ExternalRecord) *ExternalRecord {
	if ref := txn.Meta(domain.MetaExternalRef); ref != "" {
		if rec, ok := byRef[ref]; ok {
			return rec
		}
	}
	if rec, ok := byInternalID[txn.ID]; ok {
		return rec
	}
	return nil
}

func (r *Reconciler) compare(txn *domain.Transaction, rec *ExternalRecord, report *Report) {
	ic, ec := internalClass(txn.Status), externalClass(rec.Status)
	disagree := ic != ec
	if ic == classInFlight && ec == classInFlight {
		disagree = false
	}
	// An in-flight internal against a settled external is a stuck
	// transaction and worth flagging.
	if disagree || ec == classUnknown {
		report.add(Mismatch{
			Kind:          MismatchStatus,
			TransactionID: txn.ID,
			ExternalRef:   rec.Reference,
			Details: map[string]string{
				"internalStatus": string(txn.Status),
				"externalStatus": rec.Status,
			},
		})
	}

	if rec.AmountCents != txn.AmountCents || (rec.Currency != "" && rec.Currency != txn.Currency) {
		report.add(Mismatch{
			Kind:          MismatchAmount,
			TransactionID: txn.ID,
			ExternalRef:   rec.Reference,
			Details: map[string]string{
				"internalAmountCents": strconv.FormatInt(txn.AmountCents, 10),
				"externalAmountCents": strconv.FormatInt(rec.AmountCents, 10),
				"internalCurrency":    txn.Currency,
				"externalCurrency":    rec.Currency,
			},
		})
	}
}

func (r *Report) add(m Mismatch) {
	r.Mismatches = append(r.Mismatches, m)
}
