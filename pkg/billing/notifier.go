package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/coachhq/billing/pkg/email"
)

// Notifier receives the out-of-band signals this core produces: past-due
// grace notices and orphaned events. Orphaned events in particular usually
// indicate a real data-integrity problem (a provider customer created outside
// the normal checkout flow), so they are surfaced to an operator instead of
// being silently dropped or retried forever.
type Notifier interface {
	PastDue(ctx context.Context, account *Account, snap *Snapshot) error
	OrphanedEvent(ctx context.Context, orphan OrphanedEvent) error
}

// OrphanedEvent describes an inbound artifact that resolved to no account.
type OrphanedEvent struct {
	EventID      string
	ProviderType string
	CustomerID   string
	SessionID    string
	OccurredAt   time.Time
}

type noopNotifier struct{}

// NewNoopNotifier returns a Notifier that discards everything. Used as the
// default when no operator channel is configured.
func NewNoopNotifier() Notifier { return noopNotifier{} }

func (noopNotifier) PastDue(context.Context, *Account, *Snapshot) error { return nil }
func (noopNotifier) OrphanedEvent(context.Context, OrphanedEvent) error { return nil }

type emailNotifier struct {
	sender   email.EmailSender
	operator string
}

// NewEmailNotifier returns a Notifier that mails the operator address.
// Panics on missing dependencies to fail fast during initialization.
func NewEmailNotifier(sender email.EmailSender, operatorEmail string) Notifier {
	if sender == nil {
		panic("billing: email sender is required")
	}
	if operatorEmail == "" {
		panic("billing: operator email is required")
	}
	return &emailNotifier{sender: sender, operator: operatorEmail}
}

func (n *emailNotifier) PastDue(ctx context.Context, account *Account, snap *Snapshot) error {
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:  n.operator,
		Subject: fmt.Sprintf("Payment past due for account %s", account.ID),
		BodyHTML: fmt.Sprintf(
			"<p>Subscription <code>%s</code> for account <code>%s</code> is past due. "+
				"The plan is kept in grace until the provider resolves or cancels it.</p>",
			snap.SubscriptionID, account.ID),
		Tag: "billing-past-due",
	})
}

func (n *emailNotifier) OrphanedEvent(ctx context.Context, orphan OrphanedEvent) error {
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:  n.operator,
		Subject: "Orphaned billing event needs follow-up",
		BodyHTML: fmt.Sprintf(
			"<p>Event <code>%s</code> (%s) could not be mapped to any account.</p>"+
				"<p>Customer: <code>%s</code>, session: <code>%s</code>, occurred at %s.</p>"+
				"<p>This usually means a provider customer was created outside the normal "+
				"checkout flow and needs manual linking.</p>",
			orphan.EventID, orphan.ProviderType, orphan.CustomerID, orphan.SessionID,
			orphan.OccurredAt.Format(time.RFC3339)),
		Tag: "billing-orphaned-event",
	})
}
