// Package billing keeps user accounts in sync with an external subscription
// payment provider.
//
// The provider is the source of truth for subscription state; the local
// Account Store holds a projection of it (plan label, expiry, provider ids)
// that the rest of the application reads. Two independent paths feed that
// projection:
//
//   - Webhook push: the provider delivers signed events (checkout completed,
//     subscription updated, subscription deleted) which Service.ProcessEvent
//     verifies, deduplicates and reconciles.
//   - Client pull: after checkout the client calls Service.SyncSession, which
//     fetches the session and the live subscription from the provider and
//     reconciles. This covers lost, delayed or misconfigured webhooks.
//
// Both paths terminate in the Reconciler, the only writer of billing state.
// Its write is a conditional compare-and-set on the snapshot freshness marker
// (Account.StateVersion), so reapplying an event is idempotent and a stale
// snapshot can never overwrite a newer one regardless of arrival order.
//
// # Usage
//
//	provider, err := billing.NewStripeProvider(stripeCfg)
//	if err != nil {
//	    return err
//	}
//
//	catalog, err := billing.NewYAMLSource("prices.yaml").Load(ctx)
//	if err != nil {
//	    return err
//	}
//
//	svc := billing.NewService(provider, billing.NewPostgresStore(pool), catalog,
//	    billing.WithDeduper(billing.NewRedisDeduper(redisClient)),
//	    billing.WithNotifier(billing.NewEmailNotifier(sender, "ops@example.com")),
//	    billing.WithLogger(log),
//	)
//
// The HTTP surface lives in modules/billing and maps the package's sentinel
// errors onto status codes; this package itself is transport-agnostic.
//
// # Account lifecycle
//
// Accounts are created at signup with PlanNone and are never created by this
// package. The provider's customer id is stored set-once the first time a
// reconciliation learns it; it is the fallback key for resolving events whose
// payload carries no explicit account reference. Events that resolve to no
// account are orphans: they are acknowledged, and an operator is notified,
// because redelivery would change nothing and the underlying cause (a customer
// created outside the normal checkout flow) needs a human.
package billing
