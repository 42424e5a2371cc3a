package billing

import (
	"time"

	"github.com/google/uuid"
)

// Plan is the stored plan label on an account. Beyond distinguishing the
// billing interval it is an opaque string; pricing and entitlements live in
// the Catalog and the application layer.
type Plan string

const (
	PlanNone          Plan = "none"
	PlanActiveMonthly Plan = "active-monthly"
	PlanActiveYearly  Plan = "active-yearly"
)

// Account is the durable billing record, one per user. Rows are created at
// signup with PlanNone; every field below except ID is mutated exclusively by
// the Reconciler.
type Account struct {
	ID uuid.UUID

	// CustomerID is the payment provider's customer id. It is set once the
	// first time it becomes known and never cleared afterwards, because it is
	// the fallback key for resolving events whose payload carries no explicit
	// account reference.
	CustomerID string

	// SubscriptionID is the provider's subscription id. Retained through
	// cancellation for history and resume.
	SubscriptionID string

	Plan       Plan
	PlanExpiry *time.Time

	// StateVersion is the freshness marker of the subscription snapshot last
	// successfully applied to this account. Nil until the first
	// reconciliation. The conditional write in AccountStore.ApplyState
	// compares against it so an older snapshot can never overwrite a newer
	// one.
	StateVersion *time.Time

	UpdatedAt time.Time
}

// IsSubscribed reports whether the account currently holds a paid plan label.
// It does not consult PlanExpiry; callers that care about lapse must compare
// against the clock themselves.
func (a *Account) IsSubscribed() bool {
	return a.Plan == PlanActiveMonthly || a.Plan == PlanActiveYearly
}

// IsExpiredAt reports whether the plan should be treated as lapsed at the
// given instant. Accounts with no expiry on file are never expired.
func (a *Account) IsExpiredAt(now time.Time) bool {
	if !a.IsSubscribed() || a.PlanExpiry == nil {
		return false
	}
	return now.After(*a.PlanExpiry)
}
