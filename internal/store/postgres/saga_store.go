package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// SagaStore implements domain.SagaStore using PostgreSQL. The position draft
// is kept as JSONB.
type SagaStore struct {
	pool *pgxpool.Pool
}

func NewSagaStore(pool *pgxpool.Pool) *SagaStore {
	return &SagaStore{pool: pool}
}

func (s *SagaStore) Upsert(ctx context.Context, saga domain.PositionSaga) error {
	draft, err := json.Marshal(saga.Draft)
	if err != nil {
		return fmt.Errorf("postgres: marshal saga draft: %w", err)
	}
	const query = `
		INSERT INTO position_sagas (id, owner, stage, nonce, draft, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			stage      = EXCLUDED.stage,
			updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query,
		saga.ID, saga.Owner, string(saga.Stage), nonceToDB(saga.Nonce), draft, saga.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert saga %s: %w", saga.ID, err)
	}
	return nil
}

func scanSaga(row pgx.Row) (domain.PositionSaga, error) {
	var (
		saga  domain.PositionSaga
		stage string
		nonce int64
		draft []byte
	)
	if err := row.Scan(&saga.ID, &saga.Owner, &stage, &nonce, &draft, &saga.UpdatedAt); err != nil {
		return domain.PositionSaga{}, err
	}
	saga.Stage = domain.SagaStage(stage)
	saga.Nonce = nonceFromDB(nonce)
	if err := json.Unmarshal(draft, &saga.Draft); err != nil {
		return domain.PositionSaga{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return saga, nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (domain.PositionSaga, error) {
	saga, err := scanSaga(s.pool.QueryRow(ctx,
		`SELECT id, owner, stage, nonce, draft, updated_at FROM position_sagas WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PositionSaga{}, fmt.Errorf("postgres: get saga %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PositionSaga{}, fmt.Errorf("postgres: get saga %s: %w", id, err)
	}
	return saga, nil
}

func (s *SagaStore) ListUnfinished(ctx context.Context) ([]domain.PositionSaga, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, stage, nonce, draft, updated_at FROM position_sagas
		 WHERE stage IN ($1, $2) ORDER BY updated_at`,
		string(domain.SagaStagePendingVerify), string(domain.SagaStageVerified))
	if err != nil {
		return nil, fmt.Errorf("postgres: list sagas: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionSaga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan saga: %w", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sagas rows: %w", err)
	}
	return out, nil
}

var _ domain.SagaStore = (*SagaStore)(nil)
