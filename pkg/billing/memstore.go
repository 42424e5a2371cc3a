package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
}

// NewMemoryStore returns an AccountStore backed by a mutex-guarded map.
// It implements the same compare-and-set semantics as the Postgres store and
// is intended for tests and local development without a database.
func NewMemoryStore(accounts ...*Account) AccountStore {
	s := &memoryStore{accounts: make(map[uuid.UUID]*Account, len(accounts))}
	for _, a := range accounts {
		cp := *a
		s.accounts[a.ID] = &cp
	}
	return s
}

func (s *memoryStore) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memoryStore) FindByCustomerID(ctx context.Context, customerID string) (*Account, error) {
	if customerID == "" {
		return nil, ErrAccountNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.CustomerID == customerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *memoryStore) ApplyState(ctx context.Context, id uuid.UUID, change StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return false, ErrAccountNotFound
	}

	// The marker comparison and the write happen under one lock, mirroring
	// the single-statement conditional UPDATE of the Postgres store.
	if a.StateVersion != nil && a.StateVersion.After(change.Marker) {
		return false, nil
	}

	if !change.KeepPlan {
		a.Plan = change.Plan
		a.PlanExpiry = cloneTime(change.PlanExpiry)
	}
	if change.SubscriptionID != "" {
		a.SubscriptionID = change.SubscriptionID
	}
	if a.CustomerID == "" && change.CustomerID != "" {
		a.CustomerID = change.CustomerID
	}
	marker := change.Marker
	a.StateVersion = &marker
	a.UpdatedAt = time.Now().UTC()

	return true, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
