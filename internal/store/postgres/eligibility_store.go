package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// EligibilityStore implements domain.EligibilityStore using PostgreSQL.
type EligibilityStore struct {
	pool *pgxpool.Pool
}

func NewEligibilityStore(pool *pgxpool.Pool) *EligibilityStore {
	return &EligibilityStore{pool: pool}
}

func (s *EligibilityStore) Get(ctx context.Context, owner string) (domain.EligibilityRecord, error) {
	var rec domain.EligibilityRecord
	err := s.pool.QueryRow(ctx,
		`SELECT owner, verified, signature, verified_at FROM eligibility WHERE owner = $1`, owner,
	).Scan(&rec.Owner, &rec.Verified, &rec.Signature, &rec.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EligibilityRecord{}, fmt.Errorf("postgres: get eligibility %s: %w", owner, domain.ErrNotFound)
	}
	if err != nil {
		return domain.EligibilityRecord{}, fmt.Errorf("postgres: get eligibility %s: %w", owner, err)
	}
	return rec, nil
}

func (s *EligibilityStore) Upsert(ctx context.Context, rec domain.EligibilityRecord) error {
	const query = `
		INSERT INTO eligibility (owner, verified, signature, verified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner) DO UPDATE SET
			verified    = EXCLUDED.verified,
			signature   = EXCLUDED.signature,
			verified_at = EXCLUDED.verified_at`
	if _, err := s.pool.Exec(ctx, query, rec.Owner, rec.Verified, rec.Signature, rec.VerifiedAt); err != nil {
		return fmt.Errorf("postgres: upsert eligibility %s: %w", rec.Owner, err)
	}
	return nil
}

var _ domain.EligibilityStore = (*EligibilityStore)(nil)
