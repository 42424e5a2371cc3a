package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper provides idempotency for webhook event ids. The provider
// redelivers events; without a durable dedupe record, retries of an already
// handled delivery would reprocess side effects such as operator notices.
//
// The reconciliation write itself is idempotent either way; the deduper
// exists to keep duplicate deliveries cheap and side-effect free.
type EventDeduper interface {
	// Do runs fn once per event id. It reports already=true for a duplicate
	// of a completed delivery, and ErrEventInFlight when another delivery of
	// the same event is still being processed (the caller should answer
	// non-2xx so the provider retries later).
	Do(ctx context.Context, eventID string, fn func() error) (already bool, err error)
}

type noopDeduper struct{}

// NewNoopDeduper returns an EventDeduper that always runs fn. Useful in tests
// and in deployments without Redis, at the cost of repeating side effects on
// provider redelivery.
func NewNoopDeduper() EventDeduper { return noopDeduper{} }

func (noopDeduper) Do(ctx context.Context, eventID string, fn func() error) (bool, error) {
	return false, fn()
}

type redisDeduper struct {
	client  *redis.Client
	lockTTL time.Duration
	doneTTL time.Duration
}

const (
	dedupeLockTTL = 10 * time.Minute
	// The provider stops redelivering after a few days; keeping done markers
	// slightly longer covers the whole retry window.
	dedupeDoneTTL = 96 * time.Hour
)

// NewRedisDeduper returns a Redis-backed EventDeduper. Panics on a nil client
// to fail fast during initialization.
func NewRedisDeduper(client *redis.Client) EventDeduper {
	if client == nil {
		panic("billing: redis client is required")
	}
	return &redisDeduper{client: client, lockTTL: dedupeLockTTL, doneTTL: dedupeDoneTTL}
}

func (d *redisDeduper) Do(ctx context.Context, eventID string, fn func() error) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}

	doneKey := "billing:webhook:done:" + eventID
	lockKey := "billing:webhook:lock:" + eventID

	done, err := d.client.Exists(ctx, doneKey).Result()
	if err != nil {
		return false, fmt.Errorf("check dedupe marker: %w", err)
	}
	if done > 0 {
		return true, nil
	}

	acquired, err := d.client.SetNX(ctx, lockKey, time.Now().UTC().Format(time.RFC3339), d.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire dedupe lock: %w", err)
	}
	if !acquired {
		// Re-check: the holder may have finished between our two reads.
		done, err := d.client.Exists(ctx, doneKey).Result()
		if err == nil && done > 0 {
			return true, nil
		}
		return false, ErrEventInFlight
	}
	defer d.client.Del(context.WithoutCancel(ctx), lockKey)

	if err := fn(); err != nil {
		return false, err
	}

	if err := d.client.Set(ctx, doneKey, time.Now().UTC().Format(time.RFC3339), d.doneTTL).Err(); err != nil {
		return false, fmt.Errorf("write dedupe marker: %w", err)
	}
	return false, nil
}
