package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StateChange is the projection of a Snapshot onto Account fields, produced
// by the Reconciler and persisted through AccountStore.ApplyState.
type StateChange struct {
	Plan       Plan
	PlanExpiry *time.Time

	// KeepPlan preserves the stored plan and expiry instead of writing the
	// fields above. The preservation happens inside the store's atomic write,
	// not from a prior read, so a grace-state change racing a plan-changing
	// write can never resurrect the older plan.
	KeepPlan bool

	// SubscriptionID replaces the stored id when non-empty; an empty value
	// leaves the stored id untouched.
	SubscriptionID string

	// CustomerID is written set-once: the store keeps any value already on
	// file and never clears one. An empty value here leaves the column
	// untouched.
	CustomerID string

	// Marker becomes the account's new StateVersion when the write applies.
	Marker time.Time
}

// AccountStore persists billing accounts. The single non-trivial operation is
// ApplyState, a conditional upsert that the store must execute as one atomic
// compare-and-set so concurrent reconciliations for the same account never
// need external locking.
type AccountStore interface {
	// Get retrieves an account by id.
	// Returns ErrAccountNotFound if no account exists.
	Get(ctx context.Context, id uuid.UUID) (*Account, error)

	// FindByCustomerID looks an account up by the provider's customer id.
	// Returns ErrAccountNotFound when no account carries that id.
	FindByCustomerID(ctx context.Context, customerID string) (*Account, error)

	// ApplyState writes the change iff change.Marker is at least as fresh as
	// the stored StateVersion (or StateVersion is unset). A stale marker is
	// not an error: the account already reflects equal-or-newer truth, so the
	// call reports applied=false with a nil error.
	ApplyState(ctx context.Context, id uuid.UUID, change StateChange) (applied bool, err error)
}
