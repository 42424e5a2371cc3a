package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coachhq/billing/pkg/logger"
)

// Service is the billing facade the HTTP layer and the application talk to.
// Both state-changing entry points (webhook push via ProcessEvent, client pull
// via SyncSession) funnel into the same Reconciler, which is the only writer
// of billing state.
type Service interface {
	// Checkout opens a hosted checkout session for the account and returns the
	// redirect URL.
	Checkout(ctx context.Context, params CheckoutParams) (*CheckoutRedirect, error)

	// SyncSession fetches the checkout session and the live subscription from
	// the provider and reconciles the account. It is the recovery path for
	// lost or delayed webhooks: the client calls it when it lands on the
	// post-checkout success page.
	SyncSession(ctx context.Context, sessionID string) (*SyncResult, error)

	// ProcessEvent verifies, deduplicates and dispatches a raw webhook
	// delivery. A nil return means the event is durably handled and the
	// provider must not redeliver it; that includes orphaned and unknown
	// events, which are acknowledged after being surfaced or ignored.
	ProcessEvent(ctx context.Context, payload []byte, signature string) error

	// CancelAtPeriodEnd schedules the account's subscription to lapse at the
	// end of the paid period. The stored plan does not change; the account
	// stays subscribed until the provider reports the terminal cancellation.
	CancelAtPeriodEnd(ctx context.Context, accountID uuid.UUID) (*Snapshot, error)

	// Resume withdraws a pending end-of-period cancellation.
	Resume(ctx context.Context, accountID uuid.UUID) (*Snapshot, error)
}

// CheckoutParams identifies who is buying what.
type CheckoutParams struct {
	AccountID  uuid.UUID
	PlanRef    string // catalog reference, not the provider's price id
	SuccessURL string
	CancelURL  string
}

// SyncResult is the post-reconciliation account state reported to the caller.
type SyncResult struct {
	AccountID  uuid.UUID
	Plan       Plan
	PlanExpiry *time.Time
}

type service struct {
	provider   PaymentProvider
	store      AccountStore
	catalog    Catalog
	resolver   *Resolver
	reconciler *Reconciler
	deduper    EventDeduper
	notifier   Notifier
	log        *slog.Logger

	// reconcileLifecycle applies the provider's response snapshot right after
	// cancel/resume instead of waiting for the webhook to arrive.
	reconcileLifecycle bool
}

// Option configures optional service collaborators.
type Option func(*service)

// WithDeduper installs a webhook idempotency layer. Defaults to a no-op.
func WithDeduper(d EventDeduper) Option {
	return func(s *service) { s.deduper = d }
}

// WithNotifier installs the operator notification channel for orphaned events
// and past-due notices. Defaults to a no-op.
func WithNotifier(n Notifier) Option {
	return func(s *service) { s.notifier = n }
}

// WithLogger sets the service logger. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) { s.log = log }
}

// WithLifecycleReconcile makes CancelAtPeriodEnd and Resume reconcile the
// snapshot the provider returns, instead of leaving the store untouched until
// the corresponding webhook lands. Off by default: the webhook is the
// authoritative channel either way, and the conditional write keeps the two
// paths safe to combine.
func WithLifecycleReconcile() Option {
	return func(s *service) { s.reconcileLifecycle = true }
}

// NewService creates the billing service. Panics on missing required
// dependencies to fail fast during initialization.
func NewService(provider PaymentProvider, store AccountStore, catalog Catalog, opts ...Option) Service {
	if provider == nil {
		panic("billing: PaymentProvider is required")
	}
	if store == nil {
		panic("billing: AccountStore is required")
	}
	if len(catalog) == 0 {
		panic("billing: price catalog is required")
	}

	s := &service{
		provider: provider,
		store:    store,
		catalog:  catalog,
		deduper:  NewNoopDeduper(),
		notifier: NewNoopNotifier(),
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.resolver = NewResolver(store)
	s.reconciler = NewReconciler(store, s.notifier, s.log)
	return s
}

func (s *service) Checkout(ctx context.Context, params CheckoutParams) (*CheckoutRedirect, error) {
	if params.AccountID == uuid.Nil {
		return nil, errors.Join(ErrInvalidRequest, errors.New("account id is required"))
	}

	price, err := s.catalog.Lookup(params.PlanRef)
	if err != nil {
		return nil, err
	}

	account, err := s.store.Get(ctx, params.AccountID)
	if err != nil {
		return nil, err
	}

	redirect, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		PriceID:    price.PriceID,
		AccountRef: account.ID.String(),
		CustomerID: account.CustomerID,
		TrialDays:  price.TrialDays,
		SuccessURL: params.SuccessURL,
		CancelURL:  params.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "checkout session created",
		logger.AccountID(account.ID),
		slog.String("plan_ref", params.PlanRef),
		logger.SessionID(redirect.SessionID))
	return redirect, nil
}

func (s *service) SyncSession(ctx context.Context, sessionID string) (*SyncResult, error) {
	sess, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// A session without a customer and subscription has not finished payment
	// (abandoned, or the redirect raced the provider's own completion).
	if sess.CustomerID == "" || sess.SubscriptionID == "" {
		return nil, ErrSessionIncomplete
	}

	snap, err := s.provider.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return nil, err
	}

	accountID, err := s.resolver.Resolve(ctx, sess.AccountRef, sess.CustomerID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.reconciler.Reconcile(ctx, accountID, snap)
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		AccountID:  outcome.AccountID,
		Plan:       outcome.Plan,
		PlanExpiry: outcome.PlanExpiry,
	}, nil
}

func (s *service) ProcessEvent(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.VerifyEvent(payload, signature)
	if err != nil {
		return err
	}

	already, err := s.deduper.Do(ctx, event.ID, func() error {
		return s.dispatchEvent(ctx, event)
	})
	if err != nil {
		return err
	}
	if already {
		s.log.DebugContext(ctx, "duplicate webhook delivery acknowledged",
			logger.EventID(event.ID),
			logger.EventType(event.ProviderType))
	}
	return nil
}

// dispatchEvent routes a verified event to its handler. The switch is
// exhaustive over EventKind; there is no silent default path.
func (s *service) dispatchEvent(ctx context.Context, event *Event) error {
	switch event.Kind {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)

	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)

	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)

	case EventUnknown:
		s.log.DebugContext(ctx, "ignoring unhandled provider event",
			logger.EventID(event.ID),
			logger.EventType(event.ProviderType))
		return nil

	default:
		return errors.Join(ErrInvalidRequest, errors.New("unmapped event kind "+string(event.Kind)))
	}
}

// handleCheckoutCompleted reconciles a finished checkout. The event payload
// is only trusted for identity (session, customer, subscription, account
// reference); the subscription state itself is re-fetched from the provider
// so the freshness marker reflects the moment of processing, not delivery.
func (s *service) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	sess := event.Session
	if sess == nil || sess.SubscriptionID == "" {
		// A completed session without a subscription cannot occur in
		// subscription mode; acknowledge rather than retry forever.
		s.log.WarnContext(ctx, "checkout completed without subscription",
			logger.EventID(event.ID),
			logger.SessionID(sessionIDOf(sess)))
		return nil
	}

	snap, err := s.provider.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return err
	}

	return s.reconcileResolved(ctx, event, sess.AccountRef, sess.CustomerID, snap)
}

// handleSubscriptionUpdated re-fetches the subscription and reconciles. The
// re-fetch means even an out-of-order delivery carries current truth.
func (s *service) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	sub := event.Subscription
	if sub == nil || sub.SubscriptionID == "" {
		// The provider contract does not promise a populated subscription;
		// acknowledge rather than retry forever.
		s.log.WarnContext(ctx, "subscription update without subscription",
			logger.EventID(event.ID))
		return nil
	}

	snap, err := s.provider.GetSubscription(ctx, sub.SubscriptionID)
	if err != nil {
		return err
	}
	return s.reconcileResolved(ctx, event, "", snap.CustomerID, snap)
}

// handleSubscriptionDeleted reconciles the terminal cancellation from the
// event payload alone. No re-fetch: the subscription may no longer be
// retrievable, and there is no fresher state than deleted. The event
// timestamp serves as the freshness marker, so a stale deletion replayed
// after a newer subscription took over cannot regress the account.
func (s *service) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	if event.Subscription == nil {
		s.log.WarnContext(ctx, "subscription deletion without subscription",
			logger.EventID(event.ID))
		return nil
	}

	snap := *event.Subscription
	snap.Status = StatusCanceled
	snap.FetchedAt = event.OccurredAt
	return s.reconcileResolved(ctx, event, "", snap.CustomerID, &snap)
}

// reconcileResolved resolves the target account and applies the snapshot.
// Orphaned events are surfaced to the operator and then acknowledged: they
// need human follow-up, and redelivery would change nothing. That covers a
// malformed account reference and a well-formed reference matching no stored
// account, not just the no-reference case; none of them can ever succeed on
// retry.
func (s *service) reconcileResolved(ctx context.Context, event *Event, accountRef, customerID string, snap *Snapshot) error {
	accountID, err := s.resolver.Resolve(ctx, accountRef, customerID)
	if err != nil {
		if errors.Is(err, ErrUnresolvedAccount) || errors.Is(err, ErrInvalidAccountRef) {
			return s.reportOrphan(ctx, event, customerID)
		}
		return err
	}

	if _, err := s.reconciler.Reconcile(ctx, accountID, snap); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return s.reportOrphan(ctx, event, customerID)
		}
		return err
	}
	return nil
}

func (s *service) reportOrphan(ctx context.Context, event *Event, customerID string) error {
	orphan := OrphanedEvent{
		EventID:      event.ID,
		ProviderType: event.ProviderType,
		CustomerID:   customerID,
		SessionID:    sessionIDOf(event.Session),
		OccurredAt:   event.OccurredAt,
	}
	s.log.WarnContext(ctx, "orphaned billing event",
		logger.EventID(event.ID),
		logger.EventType(event.ProviderType),
		logger.CustomerID(customerID))
	if err := s.notifier.OrphanedEvent(ctx, orphan); err != nil {
		// The notice failing must not turn a durable acknowledgment into a
		// redelivery loop.
		s.log.ErrorContext(ctx, "orphaned event notice failed",
			logger.EventID(event.ID), logger.Error(err))
	}
	return nil
}

func (s *service) CancelAtPeriodEnd(ctx context.Context, accountID uuid.UUID) (*Snapshot, error) {
	return s.setCancel(ctx, accountID, true)
}

func (s *service) Resume(ctx context.Context, accountID uuid.UUID) (*Snapshot, error) {
	return s.setCancel(ctx, accountID, false)
}

func (s *service) setCancel(ctx context.Context, accountID uuid.UUID, cancel bool) (*Snapshot, error) {
	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.SubscriptionID == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("account has no subscription"))
	}

	snap, err := s.provider.SetCancelAtPeriodEnd(ctx, account.SubscriptionID, cancel)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription cancellation toggled",
		logger.AccountID(accountID),
		logger.SubscriptionID(account.SubscriptionID),
		slog.Bool("cancel_at_period_end", cancel))

	if s.reconcileLifecycle {
		if _, err := s.reconciler.Reconcile(ctx, accountID, snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func sessionIDOf(sess *CheckoutSession) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
