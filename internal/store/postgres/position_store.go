package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Create inserts p. Position ids are derived from (owner, pair, nonce), so a
// second insert of the same id is reported as domain.ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner, pair, side, leverage, nonce,
			encrypted_size, encrypted_entry_price, encrypted_collateral,
			liquidation_estimate, threshold_verified, simulated, signature, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner, p.Pair, string(p.Side), p.Leverage, nonceToDB(p.Nonce),
		fieldToDB(p.EncryptedSize), fieldToDB(p.EncryptedEntryPrice), fieldToDB(p.EncryptedCollateral),
		p.LiquidationEstimate, p.ThresholdVerified, p.Simulated, p.Signature, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	return nil
}

const positionSelectCols = `id, owner, pair, side, leverage, nonce,
	encrypted_size, encrypted_entry_price, encrypted_collateral,
	liquidation_estimate, threshold_verified, simulated, signature, opened_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                   domain.Position
		side                string
		nonce               int64
		size, entry, collat []byte
	)
	err := row.Scan(
		&p.ID, &p.Owner, &p.Pair, &side, &p.Leverage, &nonce,
		&size, &entry, &collat,
		&p.LiquidationEstimate, &p.ThresholdVerified, &p.Simulated, &p.Signature, &p.OpenedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Nonce = nonceFromDB(nonce)
	if p.EncryptedSize, err = fieldFromDB(size); err != nil {
		return domain.Position{}, err
	}
	if p.EncryptedEntryPrice, err = fieldFromDB(entry); err != nil {
		return domain.Position{}, err
	}
	if p.EncryptedCollateral, err = fieldFromDB(collat); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE owner = $1 ORDER BY opened_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
