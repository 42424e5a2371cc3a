package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	core "github.com/coachhq/billing/pkg/billing"
	"github.com/coachhq/billing/pkg/logger"
)

// Webhook payloads are small JSON documents; anything bigger is garbage or
// abuse and is cut off before signature verification.
const maxWebhookBody = 1 << 20

// Router mounts the billing HTTP surface:
//
//	POST /checkout  open a hosted checkout session
//	GET  /sync      pull-reconcile a checkout session (webhook recovery path)
//	POST /webhook   provider event ingress
//	POST /cancel    schedule end-of-period cancellation
//	POST /resume    withdraw a pending cancellation
//
// Panics on a nil service to fail fast during initialization.
func Router(svc core.Service, log *slog.Logger) chi.Router {
	if svc == nil {
		panic("billing: Service is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	h := &handlers{svc: svc, log: log}

	r := chi.NewRouter()
	r.Post("/checkout", h.checkout)
	r.Get("/sync", h.sync)
	r.Post("/webhook", h.webhook)
	r.Post("/cancel", h.cancel)
	r.Post("/resume", h.resume)
	return r
}

type handlers struct {
	svc core.Service
	log *slog.Logger
}

type checkoutRequest struct {
	AccountID  uuid.UUID `json:"account_id"`
	PlanRef    string    `json:"plan_ref"`
	SuccessURL string    `json:"success_url"`
	CancelURL  string    `json:"cancel_url"`
}

type checkoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	redirect, err := h.svc.Checkout(r.Context(), core.CheckoutParams{
		AccountID:  req.AccountID,
		PlanRef:    req.PlanRef,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: redirect.URL, SessionID: redirect.SessionID})
}

type syncResponse struct {
	OK         bool       `json:"ok"`
	AccountID  uuid.UUID  `json:"account_id"`
	Plan       core.Plan  `json:"plan"`
	PlanExpiry *time.Time `json:"plan_expiry,omitempty"`
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := h.svc.SyncSession(r.Context(), sessionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		OK:         true,
		AccountID:  result.AccountID,
		Plan:       result.Plan,
		PlanExpiry: result.PlanExpiry,
	})
}

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing signature header")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	if err := h.svc.ProcessEvent(r.Context(), payload, signature); err != nil {
		h.respondError(w, r, err)
		return
	}

	// 200 tells the provider the delivery is durably handled.
	w.WriteHeader(http.StatusOK)
}

type lifecycleRequest struct {
	AccountID uuid.UUID `json:"account_id"`
}

type lifecycleResponse struct {
	SubscriptionID    string `json:"subscription_id"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.CancelAtPeriodEnd)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Resume)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id uuid.UUID) (*core.Snapshot, error),
) {
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil || req.AccountID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	snap, err := op(r.Context(), req.AccountID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lifecycleResponse{
		SubscriptionID:    snap.SubscriptionID,
		CancelAtPeriodEnd: snap.CancelAtPeriodEnd,
	})
}

// respondError maps service errors onto HTTP statuses. Retryable failures
// (provider or store unavailable) answer 5xx so webhook deliveries get
// redelivered; terminal ones answer 4xx.
func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrEventVerification):
		writeError(w, http.StatusBadRequest, "signature verification failed")
	case errors.Is(err, core.ErrEventInFlight):
		writeError(w, http.StatusConflict, "event is already being processed")
	case errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "checkout session not found")
	case errors.Is(err, core.ErrSessionIncomplete):
		writeError(w, http.StatusBadRequest, "checkout session is not completed")
	case errors.Is(err, core.ErrUnresolvedAccount):
		writeError(w, http.StatusNotFound, "no account matches this session")
	case errors.Is(err, core.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, core.ErrPriceNotFound),
		errors.Is(err, core.ErrInvalidAccountRef),
		errors.Is(err, core.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, core.ErrProviderUnavailable):
		h.log.ErrorContext(r.Context(), "payment provider unavailable", logger.Error(err))
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.log.ErrorContext(r.Context(), "billing request failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
