package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	billinghttp "github.com/coachhq/billing/modules/billing"
	"github.com/coachhq/billing/pkg/billing"
)

// mockService is a testify mock of the billing Service interface.
type mockService struct {
	mock.Mock
}

func (m *mockService) Checkout(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutRedirect, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutRedirect), args.Error(1)
}

func (m *mockService) SyncSession(ctx context.Context, sessionID string) (*billing.SyncResult, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.SyncResult), args.Error(1)
}

func (m *mockService) ProcessEvent(ctx context.Context, payload []byte, signature string) error {
	args := m.Called(ctx, payload, signature)
	return args.Error(0)
}

func (m *mockService) CancelAtPeriodEnd(ctx context.Context, accountID uuid.UUID) (*billing.Snapshot, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func (m *mockService) Resume(ctx context.Context, accountID uuid.UUID) (*billing.Snapshot, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func serve(t *testing.T, svc billing.Service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	billinghttp.Router(svc, nil).ServeHTTP(rec, req)
	return rec
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()

	newRequest := func(body, signature string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		return req
	}

	t.Run("missing signature header", func(t *testing.T) {
		t.Parallel()

		rec := serve(t, new(mockService), newRequest(`{}`, ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("handled event answers 200", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, []byte(`{}`), "sig").Return(nil)

		rec := serve(t, svc, newRequest(`{}`, "sig"))
		assert.Equal(t, http.StatusOK, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("verification failure answers 400", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything, "bad").
			Return(billing.ErrEventVerification)

		rec := serve(t, svc, newRequest(`{}`, "bad"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("concurrent delivery answers 409", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything, "sig").
			Return(billing.ErrEventInFlight)

		rec := serve(t, svc, newRequest(`{}`, "sig"))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("provider outage answers 502 for redelivery", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything, "sig").
			Return(billing.ErrProviderUnavailable)

		rec := serve(t, svc, newRequest(`{}`, "sig"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("store failure answers 500 for redelivery", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything, "sig").
			Return(errors.New("connection refused"))

		rec := serve(t, svc, newRequest(`{}`, "sig"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestSyncEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("missing session id", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/sync", nil)
		rec := serve(t, new(mockService), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns reconciled state", func(t *testing.T) {
		t.Parallel()

		accountID := uuid.New()
		expiry := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
		svc := new(mockService)
		svc.On("SyncSession", mock.Anything, "cs_1").Return(&billing.SyncResult{
			AccountID:  accountID,
			Plan:       billing.PlanActiveMonthly,
			PlanExpiry: &expiry,
		}, nil)

		req := httptest.NewRequest(http.MethodGet, "/sync?session_id=cs_1", nil)
		rec := serve(t, svc, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			OK         bool      `json:"ok"`
			AccountID  uuid.UUID `json:"account_id"`
			Plan       string    `json:"plan"`
			PlanExpiry time.Time `json:"plan_expiry"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.OK)
		assert.Equal(t, accountID, body.AccountID)
		assert.Equal(t, "active-monthly", body.Plan)
		assert.Equal(t, expiry, body.PlanExpiry)
	})

	t.Run("incomplete session answers 400", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("SyncSession", mock.Anything, "cs_1").Return(nil, billing.ErrSessionIncomplete)

		req := httptest.NewRequest(http.MethodGet, "/sync?session_id=cs_1", nil)
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session answers 404", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("SyncSession", mock.Anything, "cs_x").Return(nil, billing.ErrSessionNotFound)

		req := httptest.NewRequest(http.MethodGet, "/sync?session_id=cs_x", nil)
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("orphaned session answers 404", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("SyncSession", mock.Anything, "cs_1").Return(nil, billing.ErrUnresolvedAccount)

		req := httptest.NewRequest(http.MethodGet, "/sync?session_id=cs_1", nil)
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCheckoutEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("returns redirect url", func(t *testing.T) {
		t.Parallel()

		accountID := uuid.New()
		svc := new(mockService)
		svc.On("Checkout", mock.Anything, billing.CheckoutParams{
			AccountID:  accountID,
			PlanRef:    "coach-monthly",
			SuccessURL: "https://app.test/done",
			CancelURL:  "https://app.test/back",
		}).Return(&billing.CheckoutRedirect{URL: "https://pay.test/cs_1", SessionID: "cs_1"}, nil)

		body := `{"account_id":"` + accountID.String() +
			`","plan_ref":"coach-monthly","success_url":"https://app.test/done","cancel_url":"https://app.test/back"}`
		req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
		rec := serve(t, svc, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			URL       string `json:"url"`
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "https://pay.test/cs_1", resp.URL)
		assert.Equal(t, "cs_1", resp.SessionID)
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader("{"))
		rec := serve(t, new(mockService), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown plan ref answers 400", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("Checkout", mock.Anything, mock.Anything).Return(nil, billing.ErrPriceNotFound)

		body := `{"account_id":"` + uuid.NewString() + `","plan_ref":"nope"}`
		req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("cancel returns provider state", func(t *testing.T) {
		t.Parallel()

		accountID := uuid.New()
		svc := new(mockService)
		svc.On("CancelAtPeriodEnd", mock.Anything, accountID).Return(&billing.Snapshot{
			SubscriptionID:    "sub_1",
			CancelAtPeriodEnd: true,
		}, nil)

		body := `{"account_id":"` + accountID.String() + `"}`
		req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(body))
		rec := serve(t, svc, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			SubscriptionID    string `json:"subscription_id"`
			CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "sub_1", resp.SubscriptionID)
		assert.True(t, resp.CancelAtPeriodEnd)
	})

	t.Run("resume returns provider state", func(t *testing.T) {
		t.Parallel()

		accountID := uuid.New()
		svc := new(mockService)
		svc.On("Resume", mock.Anything, accountID).Return(&billing.Snapshot{
			SubscriptionID: "sub_1",
		}, nil)

		body := `{"account_id":"` + accountID.String() + `"}`
		req := httptest.NewRequest(http.MethodPost, "/resume", strings.NewReader(body))
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing account id", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{}`))
		rec := serve(t, new(mockService), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown account answers 404", func(t *testing.T) {
		t.Parallel()

		svc := new(mockService)
		svc.On("CancelAtPeriodEnd", mock.Anything, mock.Anything).
			Return(nil, billing.ErrAccountNotFound)

		body := `{"account_id":"` + uuid.NewString() + `"}`
		req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(body))
		rec := serve(t, svc, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
