package domain

import (
	"context"
	"time"
)

// OrderStore persists the local order cache.
type OrderStore interface {
	Upsert(ctx context.Context, order SubmittedOrder) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	UpdateFill(ctx context.Context, id string, status OrderStatus, filled EncryptedField) error
	GetByID(ctx context.Context, id string) (SubmittedOrder, error)
	// ListActive returns active orders for owner, or for every owner when
	// owner is empty.
	ListActive(ctx context.Context, owner string) ([]SubmittedOrder, error)
}

// PositionStore persists opened (or locally committed) positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByOwner(ctx context.Context, owner string) ([]Position, error)
}

// EligibilityStore remembers owners that passed eligibility verification.
type EligibilityStore interface {
	Get(ctx context.Context, owner string) (EligibilityRecord, error)
	Upsert(ctx context.Context, rec EligibilityRecord) error
}

// SagaStore persists verify-then-open attempts so they can resume.
type SagaStore interface {
	Upsert(ctx context.Context, saga PositionSaga) error
	Get(ctx context.Context, id string) (PositionSaga, error)
	// ListUnfinished returns sagas still in pending_verify or verified.
	ListUnfinished(ctx context.Context) ([]PositionSaga, error)
}

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
