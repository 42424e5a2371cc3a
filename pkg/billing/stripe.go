package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the Stripe payment provider.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	// RequestTimeout bounds every outbound provider call so a slow provider
	// cannot stall webhook or sync processing indefinitely.
	RequestTimeout time.Duration `env:"STRIPE_REQUEST_TIMEOUT" envDefault:"10s"`
}

// StripeProvider implements PaymentProvider on the official Stripe SDK.
// The API client is injected per instance, never a package-level global, so
// tests can substitute the whole provider behind the interface.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// NewStripeProvider creates a Stripe-backed PaymentProvider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
	}, nil
}

// CreateCheckoutSession opens a hosted, subscription-mode checkout. The
// internal account id travels as client_reference_id and is echoed back on
// completion, which is the primary key the Resolver uses.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutRedirect, error) {
	if req.PriceID == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("price id is required"))
	}
	if req.AccountRef == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("account reference is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(req.AccountRef),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
	}
	params.Context = ctx

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.TrialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(req.TrialDays),
		}
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutRedirect{URL: sess.URL, SessionID: sess.ID}, nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	if id == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("session id is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.Get(id, params)
	if err != nil {
		if isStripeNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, mapStripeError(err)
	}

	out := &CheckoutSession{
		ID:         sess.ID,
		AccountRef: sess.ClientReferenceID,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*Snapshot, error) {
	if id == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("subscription id is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return snapshotFromSubscription(sub, time.Now().UTC()), nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Snapshot, error) {
	if subscriptionID == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("subscription id is required"))
	}

	ctx, cancelCtx := context.WithTimeout(ctx, p.timeout)
	defer cancelCtx()

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return snapshotFromSubscription(sub, time.Now().UTC()), nil
}

// VerifyEvent authenticates the delivery and normalizes it into the closed
// Event union. Signature verification is the authentication mechanism for
// the webhook endpoint; it fails closed.
//
// Payload bodies are decoded with narrow local structs rather than the SDK's
// full types: event payloads serialize expandable references as plain ids,
// and the few fields this core reads are stable across API versions.
func (p *StripeProvider) VerifyEvent(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrEventVerification, err)
	}

	event := &Event{
		ID:           stripeEvent.ID,
		ProviderType: string(stripeEvent.Type),
		OccurredAt:   time.Unix(stripeEvent.Created, 0).UTC(),
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var raw struct {
			ID                string `json:"id"`
			Customer          string `json:"customer"`
			Subscription      string `json:"subscription"`
			ClientReferenceID string `json:"client_reference_id"`
		}
		if err := json.Unmarshal(stripeEvent.Data.Raw, &raw); err != nil {
			return nil, fmt.Errorf("decode checkout session payload: %w", err)
		}
		event.Kind = EventCheckoutCompleted
		event.Session = &CheckoutSession{
			ID:             raw.ID,
			CustomerID:     raw.Customer,
			SubscriptionID: raw.Subscription,
			AccountRef:     raw.ClientReferenceID,
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		snap, err := snapshotFromEventPayload(stripeEvent.Data.Raw, event.OccurredAt)
		if err != nil {
			return nil, err
		}
		if stripeEvent.Type == "customer.subscription.deleted" {
			event.Kind = EventSubscriptionDeleted
		} else {
			event.Kind = EventSubscriptionUpdated
		}
		event.Subscription = snap

	default:
		// Forward compatibility: new provider event types must not break
		// ingestion. The caller acknowledges and ignores these.
		event.Kind = EventUnknown
	}

	return event, nil
}

func snapshotFromSubscription(sub *stripe.Subscription, fetchedAt time.Time) *Snapshot {
	snap := &Snapshot{
		SubscriptionID:    sub.ID,
		Status:            mapStripeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Interval:          IntervalMonth,
		FetchedAt:         fetchedAt,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	// Period bounds and the price interval live on the subscription item.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if item.Price != nil && item.Price.Recurring != nil &&
			item.Price.Recurring.Interval == stripe.PriceRecurringIntervalYear {
			snap.Interval = IntervalYear
		}
	}
	return snap
}

func snapshotFromEventPayload(raw json.RawMessage, occurredAt time.Time) (*Snapshot, error) {
	var payload struct {
		ID                string `json:"id"`
		Customer          string `json:"customer"`
		Status            string `json:"status"`
		CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
		Items             struct {
			Data []struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
				Price            struct {
					Recurring struct {
						Interval string `json:"interval"`
					} `json:"recurring"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode subscription payload: %w", err)
	}

	snap := &Snapshot{
		SubscriptionID:    payload.ID,
		CustomerID:        payload.Customer,
		Status:            mapStripeStatus(stripe.SubscriptionStatus(payload.Status)),
		CancelAtPeriodEnd: payload.CancelAtPeriodEnd,
		Interval:          IntervalMonth,
		FetchedAt:         occurredAt,
	}
	if len(payload.Items.Data) > 0 {
		item := payload.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if item.Price.Recurring.Interval == string(stripe.PriceRecurringIntervalYear) {
			snap.Interval = IntervalYear
		}
	}
	return snap, nil
}

func mapStripeStatus(status stripe.SubscriptionStatus) SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return StatusPastDue
	default:
		// canceled, incomplete, incomplete_expired, paused: nothing to bill,
		// nothing to serve.
		return StatusCanceled
	}
}

func isStripeNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}

// mapStripeError classifies provider failures: API-side 5xx and transport
// errors (timeouts included) become ErrProviderUnavailable so entry points
// can signal retryability; 4xx responses pass through as-is.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return errors.Join(ErrProviderUnavailable, err)
		}
		return err
	}
	return errors.Join(ErrProviderUnavailable, err)
}
