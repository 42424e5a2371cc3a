package billing

import (
	"context"
	"time"
)

// PaymentProvider wraps the external payment processor. Every read returns
// the provider's current authoritative state; implementations must not cache.
//
// Implementations should use the official provider SDK and handle
// provider-specific quirks internally. All calls must honour the context and
// complete within a bounded timeout so a slow provider cannot stall webhook
// or sync processing indefinitely.
type PaymentProvider interface {
	// CreateCheckoutSession creates a hosted checkout session and returns
	// the URL to redirect the user to.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutRedirect, error)

	// GetCheckoutSession retrieves a checkout session by id.
	// Returns ErrSessionNotFound if the provider does not know the id.
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)

	// GetSubscription retrieves a fresh subscription snapshot by id.
	GetSubscription(ctx context.Context, id string) (*Snapshot, error)

	// SetCancelAtPeriodEnd toggles end-of-period cancellation and returns the
	// resulting snapshot as reported by the provider.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Snapshot, error)

	// VerifyEvent authenticates a raw webhook delivery and normalizes it into
	// an Event. It fails closed: any signature mismatch is ErrEventVerification,
	// never a soft warning.
	VerifyEvent(payload []byte, signature string) (*Event, error)
}

// SubscriptionStatus is the provider-side subscription state.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Interval is the billing interval of a subscription's price.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Snapshot is an ephemeral, authoritative view of a provider subscription.
// It is never persisted verbatim; the Reconciler projects it into Account
// fields. FetchedAt is the freshness marker compared against the account's
// StateVersion.
type Snapshot struct {
	SubscriptionID    string
	CustomerID        string
	Status            SubscriptionStatus
	Interval          Interval
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	FetchedAt         time.Time
}

// CheckoutSession is an ephemeral view of a provider checkout session.
type CheckoutSession struct {
	ID             string
	CustomerID     string
	SubscriptionID string

	// AccountRef is the internal account id the checkout was initiated for,
	// round-tripped through the provider. Empty when the session was created
	// outside the normal checkout flow.
	AccountRef string
}

// CheckoutRequest carries the data needed to open a hosted checkout.
type CheckoutRequest struct {
	PriceID    string // provider's price identifier
	AccountRef string // internal account id, echoed back on completion
	CustomerID string // existing provider customer, if known
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// CheckoutRedirect is the result of opening a checkout session.
type CheckoutRedirect struct {
	URL       string
	SessionID string
}

// EventKind is the closed set of provider events this core reacts to.
// Dispatch is an explicit switch over these variants so adding a new provider
// event is a compile-time-checked change, not a silently-ignored default.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventUnknown             EventKind = "unknown"
)

// Event is a verified, normalized webhook delivery.
// Session is set for EventCheckoutCompleted; Subscription for the
// subscription kinds. EventUnknown carries neither and is acknowledged
// without processing.
type Event struct {
	ID           string
	Kind         EventKind
	ProviderType string // original provider event name, for logging
	OccurredAt   time.Time

	Session      *CheckoutSession
	Subscription *Snapshot
}
