// Package memory implements the domain store interfaces in process memory.
// It backs the caches when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.SubmittedOrder
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.SubmittedOrder)}
}

func (s *OrderStore) Upsert(_ context.Context, o domain.SubmittedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *OrderStore) UpdateStatus(_ context.Context, id string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("memory: update order %s: %w", id, domain.ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

func (s *OrderStore) UpdateFill(_ context.Context, id string, status domain.OrderStatus, filled domain.EncryptedField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("memory: fill order %s: %w", id, domain.ErrNotFound)
	}
	o.Status = status
	o.EncryptedFilled = filled
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.SubmittedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.SubmittedOrder{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s *OrderStore) ListActive(_ context.Context, owner string) ([]domain.SubmittedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SubmittedOrder
	for _, o := range s.orders {
		if !o.Status.Active() || (owner != "" && o.Owner != owner) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.positions[p.ID] = p
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PositionStore) ListByOwner(_ context.Context, owner string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

// EligibilityStore implements domain.EligibilityStore.
type EligibilityStore struct {
	mu      sync.RWMutex
	records map[string]domain.EligibilityRecord
}

func NewEligibilityStore() *EligibilityStore {
	return &EligibilityStore{records: make(map[string]domain.EligibilityRecord)}
}

func (s *EligibilityStore) Get(_ context.Context, owner string) (domain.EligibilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[owner]
	if !ok {
		return domain.EligibilityRecord{}, fmt.Errorf("memory: get eligibility %s: %w", owner, domain.ErrNotFound)
	}
	return r, nil
}

func (s *EligibilityStore) Upsert(_ context.Context, rec domain.EligibilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Owner] = rec
	return nil
}

// SagaStore implements domain.SagaStore.
type SagaStore struct {
	mu    sync.RWMutex
	sagas map[string]domain.PositionSaga
}

func NewSagaStore() *SagaStore {
	return &SagaStore{sagas: make(map[string]domain.PositionSaga)}
}

func (s *SagaStore) Upsert(_ context.Context, saga domain.PositionSaga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[saga.ID] = saga
	return nil
}

func (s *SagaStore) Get(_ context.Context, id string) (domain.PositionSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saga, ok := s.sagas[id]
	if !ok {
		return domain.PositionSaga{}, fmt.Errorf("memory: get saga %s: %w", id, domain.ErrNotFound)
	}
	return saga, nil
}

func (s *SagaStore) ListUnfinished(_ context.Context) ([]domain.PositionSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PositionSaga
	for _, saga := range s.sagas {
		if saga.Stage == domain.SagaStagePendingVerify || saga.Stage == domain.SagaStageVerified {
			out = append(out, saga)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
