package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Resolver maps provider-side artifacts (checkout sessions, subscriptions) to
// internal account ids.
type Resolver struct {
	store AccountStore
}

// NewResolver creates a Resolver. Panics on a nil store to fail fast during
// initialization.
func NewResolver(store AccountStore) *Resolver {
	if store == nil {
		panic("billing: AccountStore is required")
	}
	return &Resolver{store: store}
}

// Resolve determines the account an artifact belongs to. The explicit account
// reference always wins; the customer-id lookup is the fallback for events
// whose payload carries no reference (e.g. a subscription deletion long after
// checkout).
//
// When neither resolves the artifact is orphaned: Resolve returns
// ErrUnresolvedAccount. That is not a defect in the artifact itself - it
// usually points at a customer record created outside the normal checkout
// flow - so callers must surface it to an operator rather than drop or retry
// it.
func (r *Resolver) Resolve(ctx context.Context, accountRef, customerID string) (uuid.UUID, error) {
	if accountRef != "" {
		id, err := uuid.Parse(accountRef)
		if err != nil {
			return uuid.Nil, errors.Join(ErrInvalidAccountRef, err)
		}
		return id, nil
	}

	account, err := r.store.FindByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return uuid.Nil, ErrUnresolvedAccount
		}
		return uuid.Nil, err
	}
	return account.ID, nil
}
