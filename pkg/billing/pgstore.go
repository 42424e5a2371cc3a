package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns an AccountStore backed by the billing_accounts
// table. Panics on a nil pool to fail fast during initialization.
func NewPostgresStore(pool *pgxpool.Pool) AccountStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &pgStore{pool: pool}
}

const accountColumns = `id, COALESCE(customer_id, ''), subscription_id, plan, plan_expiry, state_version, updated_at`

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *pgStore) FindByCustomerID(ctx context.Context, customerID string) (*Account, error) {
	if customerID == "" {
		return nil, ErrAccountNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE customer_id = $1`, customerID)
	return scanAccount(row)
}

// ApplyState performs the conditional non-regressing write as a single UPDATE:
// the marker comparison, the plan projection, the KeepPlan preservation, and
// the set-once customer id all land in one atomic statement, so concurrent
// reconcilers need no external lock. Zero rows affected with an existing
// account means the stored state is already fresher; that is reported as
// applied=false, not an error.
func (s *pgStore) ApplyState(ctx context.Context, id uuid.UUID, change StateChange) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_accounts
		SET plan            = CASE WHEN $2 THEN plan ELSE $3 END,
		    plan_expiry     = CASE WHEN $2 THEN plan_expiry ELSE $4 END,
		    subscription_id = COALESCE(NULLIF($5, ''), subscription_id),
		    customer_id     = COALESCE(customer_id, NULLIF($6, '')),
		    state_version   = $7,
		    updated_at      = now()
		WHERE id = $1
		  AND (state_version IS NULL OR state_version <= $7)`,
		id, change.KeepPlan, string(change.Plan), change.PlanExpiry,
		change.SubscriptionID, change.CustomerID, change.Marker)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish "stale marker" from "no such account".
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrAccountNotFound
	}
	return false, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a          Account
		planExpiry *time.Time
		version    *time.Time
	)
	err := row.Scan(&a.ID, &a.CustomerID, &a.SubscriptionID, (*string)(&a.Plan),
		&planExpiry, &version, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	a.PlanExpiry = planExpiry
	a.StateVersion = version
	return &a, nil
}
