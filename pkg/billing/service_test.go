package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coachhq/billing/pkg/billing"
)

// mockProvider is a testify mock of the PaymentProvider interface.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutRedirect, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutRedirect), args.Error(1)
}

func (m *mockProvider) GetCheckoutSession(ctx context.Context, id string) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, id string) (*billing.Snapshot, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func (m *mockProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*billing.Snapshot, error) {
	args := m.Called(ctx, subscriptionID, cancel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func (m *mockProvider) VerifyEvent(payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

var testCatalog = billing.Catalog{
	"coach-monthly": {Ref: "coach-monthly", PriceID: "price_month", Interval: billing.IntervalMonth, TrialDays: 14},
	"coach-yearly":  {Ref: "coach-yearly", PriceID: "price_year", Interval: billing.IntervalYear},
}

func TestService_Checkout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("opens session with catalog price", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New(), CustomerID: "cus_1"}
		provider := new(mockProvider)
		provider.On("CreateCheckoutSession", ctx, billing.CheckoutRequest{
			PriceID:    "price_month",
			AccountRef: account.ID.String(),
			CustomerID: "cus_1",
			TrialDays:  14,
			SuccessURL: "https://app.test/done",
			CancelURL:  "https://app.test/cancel",
		}).Return(&billing.CheckoutRedirect{URL: "https://pay.test/cs_1", SessionID: "cs_1"}, nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(account), testCatalog)

		redirect, err := svc.Checkout(ctx, billing.CheckoutParams{
			AccountID:  account.ID,
			PlanRef:    "coach-monthly",
			SuccessURL: "https://app.test/done",
			CancelURL:  "https://app.test/cancel",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://pay.test/cs_1", redirect.URL)
		provider.AssertExpectations(t)
	})

	t.Run("unknown plan ref", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New()}
		svc := billing.NewService(new(mockProvider), billing.NewMemoryStore(account), testCatalog)

		_, err := svc.Checkout(ctx, billing.CheckoutParams{AccountID: account.ID, PlanRef: "nope"})
		assert.ErrorIs(t, err, billing.ErrPriceNotFound)
	})

	t.Run("unknown account", func(t *testing.T) {
		t.Parallel()

		svc := billing.NewService(new(mockProvider), billing.NewMemoryStore(), testCatalog)

		_, err := svc.Checkout(ctx, billing.CheckoutParams{AccountID: uuid.New(), PlanRef: "coach-monthly"})
		assert.ErrorIs(t, err, billing.ErrAccountNotFound)
	})
}

func TestService_SyncSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reconciles a completed session", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New()}
		store := billing.NewMemoryStore(account)

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("GetCheckoutSession", ctx, "cs_1").Return(&billing.CheckoutSession{
			ID:             "cs_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			AccountRef:     account.ID.String(),
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalMonth, now), nil)

		svc := billing.NewService(provider, store, testCatalog)

		result, err := svc.SyncSession(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, account.ID, result.AccountID)
		assert.Equal(t, billing.PlanActiveMonthly, result.Plan)
		require.NotNil(t, result.PlanExpiry)

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "cus_1", stored.CustomerID)
		assert.Equal(t, now, *stored.StateVersion)
		provider.AssertExpectations(t)
	})

	t.Run("incomplete session writes nothing", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New(), Plan: billing.PlanNone}
		store := billing.NewMemoryStore(account)

		provider := new(mockProvider)
		provider.On("GetCheckoutSession", ctx, "cs_1").Return(&billing.CheckoutSession{
			ID:         "cs_1",
			AccountRef: account.ID.String(),
		}, nil)

		svc := billing.NewService(provider, store, testCatalog)

		_, err := svc.SyncSession(ctx, "cs_1")
		assert.ErrorIs(t, err, billing.ErrSessionIncomplete)

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanNone, stored.Plan)
		assert.Nil(t, stored.StateVersion)
		provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})

	t.Run("session resolving to no account", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("GetCheckoutSession", ctx, "cs_1").Return(&billing.CheckoutSession{
			ID:             "cs_1",
			CustomerID:     "cus_ghost",
			SubscriptionID: "sub_1",
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalMonth, time.Now().UTC()), nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)

		_, err := svc.SyncSession(ctx, "cs_1")
		assert.ErrorIs(t, err, billing.ErrUnresolvedAccount)
	})

	t.Run("provider session lookup failure", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("GetCheckoutSession", ctx, "cs_missing").Return(nil, billing.ErrSessionNotFound)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)

		_, err := svc.SyncSession(ctx, "cs_missing")
		assert.ErrorIs(t, err, billing.ErrSessionNotFound)
	})
}

func TestService_ProcessEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	payload := []byte(`{}`)

	t.Run("verification failure propagates", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "bad").Return(nil, billing.ErrEventVerification)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)

		err := svc.ProcessEvent(ctx, payload, "bad")
		assert.ErrorIs(t, err, billing.ErrEventVerification)
	})

	t.Run("checkout completed re-fetches subscription", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New()}
		store := billing.NewMemoryStore(account)

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_1",
			Kind:       billing.EventCheckoutCompleted,
			OccurredAt: now,
			Session: &billing.CheckoutSession{
				ID:             "cs_1",
				CustomerID:     "cus_1",
				SubscriptionID: "sub_1",
				AccountRef:     account.ID.String(),
			},
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalYear, now), nil)

		svc := billing.NewService(provider, store, testCatalog)

		require.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanActiveYearly, stored.Plan)
		assert.Equal(t, "cus_1", stored.CustomerID)
		provider.AssertExpectations(t)
	})

	t.Run("subscription updated re-fetches", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New(), CustomerID: "cus_1", Plan: billing.PlanActiveMonthly}
		store := billing.NewMemoryStore(account)

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_2",
			Kind:       billing.EventSubscriptionUpdated,
			OccurredAt: now,
			Subscription: &billing.Snapshot{
				SubscriptionID: "sub_1",
				CustomerID:     "cus_1",
				Status:         billing.StatusActive,
				FetchedAt:      now,
			},
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalYear, now), nil)

		svc := billing.NewService(provider, store, testCatalog)

		require.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanActiveYearly, stored.Plan)
	})

	t.Run("subscription deleted uses payload only", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New(), CustomerID: "cus_1", Plan: billing.PlanActiveMonthly}
		store := billing.NewMemoryStore(account)

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_3",
			Kind:       billing.EventSubscriptionDeleted,
			OccurredAt: now,
			Subscription: &billing.Snapshot{
				SubscriptionID: "sub_1",
				CustomerID:     "cus_1",
				Status:         billing.StatusCanceled,
			},
		}, nil)

		svc := billing.NewService(provider, store, testCatalog)

		require.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanNone, stored.Plan)
		assert.Equal(t, now, *stored.StateVersion)
		provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})

	t.Run("unknown event acknowledged", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:           "evt_4",
			Kind:         billing.EventUnknown,
			ProviderType: "invoice.finalized",
		}, nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)
		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
	})

	t.Run("orphaned event notifies and acknowledges", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_5",
			Kind:       billing.EventSubscriptionDeleted,
			OccurredAt: now,
			Subscription: &billing.Snapshot{
				SubscriptionID: "sub_ghost",
				CustomerID:     "cus_ghost",
				Status:         billing.StatusCanceled,
			},
		}, nil)

		notifier := &recordingNotifier{}
		svc := billing.NewService(provider, store, testCatalog, billing.WithNotifier(notifier))

		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
		require.Len(t, notifier.orphans, 1)
		assert.Equal(t, "evt_5", notifier.orphans[0].EventID)
		assert.Equal(t, "cus_ghost", notifier.orphans[0].CustomerID)
	})

	t.Run("unknown account reference notifies and acknowledges", func(t *testing.T) {
		t.Parallel()

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_7",
			Kind:       billing.EventCheckoutCompleted,
			OccurredAt: now,
			Session: &billing.CheckoutSession{
				ID:             "cs_1",
				CustomerID:     "cus_ghost",
				SubscriptionID: "sub_1",
				AccountRef:     uuid.NewString(),
			},
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalMonth, now), nil)

		notifier := &recordingNotifier{}
		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog,
			billing.WithNotifier(notifier))

		// A reference matching no stored account can never succeed on retry,
		// so the delivery is acknowledged after the operator notice.
		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
		require.Len(t, notifier.orphans, 1)
		assert.Equal(t, "evt_7", notifier.orphans[0].EventID)
		assert.Equal(t, "cus_ghost", notifier.orphans[0].CustomerID)
	})

	t.Run("malformed account reference notifies and acknowledges", func(t *testing.T) {
		t.Parallel()

		now := time.Now().UTC()
		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:         "evt_8",
			Kind:       billing.EventCheckoutCompleted,
			OccurredAt: now,
			Session: &billing.CheckoutSession{
				ID:             "cs_1",
				CustomerID:     "cus_ghost",
				SubscriptionID: "sub_1",
				AccountRef:     "not-a-uuid",
			},
		}, nil)
		provider.On("GetSubscription", ctx, "sub_1").
			Return(activeSnapshot("sub_1", billing.IntervalMonth, now), nil)

		notifier := &recordingNotifier{}
		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog,
			billing.WithNotifier(notifier))

		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
		require.Len(t, notifier.orphans, 1)
		assert.Equal(t, "evt_8", notifier.orphans[0].EventID)
	})

	t.Run("subscription update without subscription acknowledged", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:   "evt_9",
			Kind: billing.EventSubscriptionUpdated,
		}, nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)

		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
		provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})

	t.Run("subscription deletion without subscription acknowledged", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:   "evt_10",
			Kind: billing.EventSubscriptionDeleted,
		}, nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog)
		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
	})

	t.Run("duplicate delivery skips processing", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		provider.On("VerifyEvent", payload, "sig").Return(&billing.Event{
			ID:   "evt_6",
			Kind: billing.EventCheckoutCompleted,
			Session: &billing.CheckoutSession{
				ID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1",
			},
		}, nil)

		svc := billing.NewService(provider, billing.NewMemoryStore(), testCatalog,
			billing.WithDeduper(alreadyDeduper{}))

		assert.NoError(t, svc.ProcessEvent(ctx, payload, "sig"))
		provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancel does not touch the store", func(t *testing.T) {
		t.Parallel()

		expiry := time.Now().UTC().Add(20 * 24 * time.Hour)
		account := &billing.Account{
			ID:             uuid.New(),
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Plan:           billing.PlanActiveMonthly,
			PlanExpiry:     &expiry,
		}
		store := billing.NewMemoryStore(account)

		snap := activeSnapshot("sub_1", billing.IntervalMonth, time.Now().UTC())
		snap.CancelAtPeriodEnd = true
		provider := new(mockProvider)
		provider.On("SetCancelAtPeriodEnd", ctx, "sub_1", true).Return(snap, nil)

		svc := billing.NewService(provider, store, testCatalog)

		got, err := svc.CancelAtPeriodEnd(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelAtPeriodEnd)

		// The store only changes when the provider's webhook arrives.
		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanActiveMonthly, stored.Plan)
		assert.Nil(t, stored.StateVersion)
	})

	t.Run("resume does not touch the store", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{
			ID:             uuid.New(),
			SubscriptionID: "sub_1",
			Plan:           billing.PlanActiveMonthly,
		}
		store := billing.NewMemoryStore(account)

		provider := new(mockProvider)
		provider.On("SetCancelAtPeriodEnd", ctx, "sub_1", false).
			Return(activeSnapshot("sub_1", billing.IntervalMonth, time.Now().UTC()), nil)

		svc := billing.NewService(provider, store, testCatalog)

		_, err := svc.Resume(ctx, account.ID)
		require.NoError(t, err)

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.StateVersion)
	})

	t.Run("no subscription to cancel", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{ID: uuid.New()}
		svc := billing.NewService(new(mockProvider), billing.NewMemoryStore(account), testCatalog)

		_, err := svc.CancelAtPeriodEnd(ctx, account.ID)
		assert.ErrorIs(t, err, billing.ErrInvalidRequest)
	})

	t.Run("opt-in lifecycle reconcile applies the response", func(t *testing.T) {
		t.Parallel()

		account := &billing.Account{
			ID:             uuid.New(),
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Plan:           billing.PlanActiveMonthly,
		}
		store := billing.NewMemoryStore(account)

		now := time.Now().UTC()
		snap := activeSnapshot("sub_1", billing.IntervalMonth, now)
		snap.CancelAtPeriodEnd = true
		provider := new(mockProvider)
		provider.On("SetCancelAtPeriodEnd", ctx, "sub_1", true).Return(snap, nil)

		svc := billing.NewService(provider, store, testCatalog, billing.WithLifecycleReconcile())

		_, err := svc.CancelAtPeriodEnd(ctx, account.ID)
		require.NoError(t, err)

		stored, err := store.Get(ctx, account.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.StateVersion)
		assert.Equal(t, now, *stored.StateVersion)
		// Pending cancellation keeps the active plan until the period lapses.
		assert.Equal(t, billing.PlanActiveMonthly, stored.Plan)
	})
}

// alreadyDeduper reports every event as a handled duplicate.
type alreadyDeduper struct{}

func (alreadyDeduper) Do(context.Context, string, func() error) (bool, error) {
	return true, nil
}
