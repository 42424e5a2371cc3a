package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coachhq/billing/pkg/logger"
)

// Reconciler projects subscription snapshots into the Account Store. It is
// the only component that writes billing state, and its write is conditional
// on the snapshot's freshness marker, so the two independent entry points
// (webhook push and client-triggered sync) are safe to race: whichever
// snapshot is fresher wins regardless of arrival order.
type Reconciler struct {
	store    AccountStore
	notifier Notifier
	log      *slog.Logger
}

// NewReconciler creates a Reconciler. Panics on a nil store to fail fast
// during initialization; notifier and log may be nil and default to no-ops.
func NewReconciler(store AccountStore, notifier Notifier, log *slog.Logger) *Reconciler {
	if store == nil {
		panic("billing: AccountStore is required")
	}
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{store: store, notifier: notifier, log: log}
}

// Outcome reports the result of a reconciliation.
type Outcome struct {
	AccountID  uuid.UUID
	Plan       Plan
	PlanExpiry *time.Time

	// Applied is false when a fresher write had already landed. That is
	// normal behavior under concurrent delivery, not an error.
	Applied bool
}

// Reconcile applies the snapshot to the account under the non-regression
// rule. Reapplying the same snapshot with the same marker is idempotent; a
// snapshot older than the stored StateVersion is absorbed as a silent no-op.
func (r *Reconciler) Reconcile(ctx context.Context, accountID uuid.UUID, snap *Snapshot) (*Outcome, error) {
	account, err := r.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	change := project(account, snap)

	applied, err := r.store.ApplyState(ctx, accountID, change)
	if err != nil {
		return nil, err
	}

	if !applied {
		r.log.DebugContext(ctx, "reconciliation skipped, stored state is fresher",
			logger.AccountID(accountID),
			logger.SubscriptionID(snap.SubscriptionID),
			slog.Time("marker", change.Marker))
		// Report what is actually stored, not what this stale snapshot implied.
		return &Outcome{
			AccountID:  accountID,
			Plan:       account.Plan,
			PlanExpiry: account.PlanExpiry,
			Applied:    false,
		}, nil
	}

	if snap.Status == StatusPastDue {
		// Grace period: the plan stays untouched, but the operator (and,
		// further up the stack, the user) should hear about the failed
		// payment. Notification failures must not fail the reconciliation.
		if err := r.notifier.PastDue(ctx, account, snap); err != nil {
			r.log.ErrorContext(ctx, "past-due notice failed",
				logger.AccountID(accountID), logger.Error(err))
		}
	}

	r.log.InfoContext(ctx, "billing state reconciled",
		logger.AccountID(accountID),
		logger.SubscriptionID(snap.SubscriptionID),
		slog.String("status", string(snap.Status)),
		slog.String("plan", string(change.Plan)),
		slog.Time("marker", change.Marker))

	return &Outcome{
		AccountID:  accountID,
		Plan:       change.Plan,
		PlanExpiry: change.PlanExpiry,
		Applied:    true,
	}, nil
}

// project computes the account fields implied by a snapshot. States that
// preserve the stored plan (past_due grace, unrecognized statuses) set
// KeepPlan so the store carries the preservation inside its atomic write;
// the Plan/PlanExpiry values filled from the current account alongside it
// are reporting hints for the Outcome, never what gets persisted. An empty
// SubscriptionID likewise keeps the stored id at the store layer, so a
// canceled snapshot retains the ids for history and resume.
func project(current *Account, snap *Snapshot) StateChange {
	change := StateChange{
		SubscriptionID: snap.SubscriptionID,
		CustomerID:     snap.CustomerID,
		Marker:         snap.FetchedAt,
	}
	if change.Marker.IsZero() {
		change.Marker = time.Now().UTC()
	}

	switch snap.Status {
	case StatusActive, StatusTrialing:
		// cancel_at_period_end with an active status is a display-only
		// distinction: service continues until the period lapses, so the
		// plan label stays active.
		change.Plan = planForInterval(snap.Interval)
		end := snap.CurrentPeriodEnd
		change.PlanExpiry = &end

	case StatusPastDue:
		change.KeepPlan = true
		change.Plan = current.Plan
		change.PlanExpiry = cloneTime(current.PlanExpiry)

	case StatusCanceled:
		change.Plan = PlanNone
		change.PlanExpiry = nil

	default:
		// Unrecognized provider status: keep the stored plan rather than
		// guessing, still advancing the freshness marker.
		change.KeepPlan = true
		change.Plan = current.Plan
		change.PlanExpiry = cloneTime(current.PlanExpiry)
	}

	return change
}

func planForInterval(interval Interval) Plan {
	if interval == IntervalYear {
		return PlanActiveYearly
	}
	return PlanActiveMonthly
}
