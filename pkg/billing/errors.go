package billing

import "errors"

var (
	ErrAccountNotFound   = errors.New("billing account not found")
	ErrUnresolvedAccount = errors.New("event cannot be resolved to any account")
	ErrInvalidAccountRef = errors.New("invalid account reference")
	ErrSessionIncomplete = errors.New("checkout session is not completed")
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrInvalidRequest    = errors.New("invalid billing request")
	ErrPriceNotFound     = errors.New("price not found in catalog")
	ErrInvalidCatalog    = errors.New("invalid price catalog")

	ErrEventVerification   = errors.New("event signature verification failed")
	ErrEventInFlight       = errors.New("event is already being processed")
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// Provider configuration errors
	ErrMissingAPIKey        = errors.New("payment provider API key is required")
	ErrMissingWebhookSecret = errors.New("webhook signing secret is required")
	ErrNoCheckoutURL        = errors.New("no checkout URL returned from provider")
)
