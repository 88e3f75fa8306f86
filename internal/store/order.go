package store

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kcnex/core/internal/domain"
)

// OrderStore is a thread-safe in-memory store for client orders, with a
// primary index by order id and a secondary index by user. Mutations are
// written through to the journal when one is attached, so order state
// survives a restart.
//
// All reads return copies; the only way to mutate an order is through
// Update, which runs the mutation under the store lock.
type OrderStore struct {
	mu         sync.RWMutex
	orders     map[uuid.UUID]*domain.ClientOrder
	userOrders map[uuid.UUID][]*domain.ClientOrder // user_id → orders (append-only)
	journal    *Journal                            // nil when persistence is disabled
}

// NewOrderStore creates an empty OrderStore writing through to journal.
func NewOrderStore(journal *Journal) *OrderStore {
	return &OrderStore{
		orders:     make(map[uuid.UUID]*domain.ClientOrder),
		userOrders: make(map[uuid.UUID][]*domain.ClientOrder),
		journal:    journal,
	}
}

// Create adds an order to the store and appends it to the user's secondary
// index.
func (s *OrderStore) Create(o domain.ClientOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrConflict
	}
	s.insert(o)
	return s.persist(o)
}

// Get retrieves an order by id. It returns domain.ErrOrderNotFound if the
// order does not exist.
func (s *OrderStore) Get(id uuid.UUID) (domain.ClientOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ClientOrder{}, domain.ErrOrderNotFound
	}
	return *o, nil
}

// Update applies fn to the order under the store lock and persists the
// result. fn returning an error aborts the update with no state change.
func (s *OrderStore) Update(id uuid.UUID, fn func(*domain.ClientOrder) error) (domain.ClientOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ClientOrder{}, domain.ErrOrderNotFound
	}

	updated := *o
	if err := fn(&updated); err != nil {
		return domain.ClientOrder{}, err
	}
	*o = updated
	return updated, s.persist(updated)
}

// ListByUser returns orders for a user in reverse chronological order
// (newest first). If status is non-nil, only orders matching that status are
// included. Pagination is 1-based. Returns the matching orders for the
// requested page and the total count of matching orders (before pagination).
func (s *OrderStore) ListByUser(userID uuid.UUID, status *domain.OrderStatus, page, limit int) ([]domain.ClientOrder, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.userOrders[userID]

	filtered := make([]domain.ClientOrder, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if status != nil && all[i].Status != *status {
			continue
		}
		filtered = append(filtered, *all[i])
	}

	total := len(filtered)

	start := (page - 1) * limit
	if start >= total {
		return []domain.ClientOrder{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return filtered[start:end], total
}

// NonTerminal returns every order whose status may still change. Used on
// boot to reconcile outstanding locks against the rebuilt ledger.
func (s *OrderStore) NonTerminal() []domain.ClientOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ClientOrder
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Restore loads one journalled order during boot replay, skipping the
// write-through.
func (s *OrderStore) Restore(o domain.ClientOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(o)
}

func (s *OrderStore) insert(o domain.ClientOrder) {
	stored := o
	s.orders[o.ID] = &stored
	s.userOrders[o.UserID] = append(s.userOrders[o.UserID], &stored)
}

func (s *OrderStore) persist(o domain.ClientOrder) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.PutOrder(o); err != nil {
		return fmt.Errorf("persist order %s: %w", o.ID, err)
	}
	return nil
}
