package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Upsert inserts the order or overwrites every mutable column.
func (s *OrderStore) Upsert(ctx context.Context, o domain.SubmittedOrder) error {
	var nonce *int64
	if o.Nonce != nil {
		v := nonceToDB(*o.Nonce)
		nonce = &v
	}

	const query = `
		INSERT INTO orders (
			id, owner, nonce, side, kind, pair, base_mint, quote_mint,
			encrypted_quantity, encrypted_price, encrypted_filled,
			status, signature, simulated, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			encrypted_filled = EXCLUDED.encrypted_filled,
			status           = EXCLUDED.status,
			signature        = EXCLUDED.signature,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Owner, nonce, string(o.Side), string(o.Kind), o.Pair, o.BaseMint, o.QuoteMint,
		fieldToDB(o.EncryptedQuantity), fieldToDB(o.EncryptedPrice), fieldToDB(o.EncryptedFilled),
		string(o.Status), o.Signature, o.Simulated, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`
	if status == domain.OrderStatusCancelled {
		query = `UPDATE orders SET status = $1, cancelled_at = NOW(), updated_at = NOW() WHERE id = $2`
	}
	tag, err := s.pool.Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *OrderStore) UpdateFill(ctx context.Context, id string, status domain.OrderStatus, filled domain.EncryptedField) error {
	const query = `UPDATE orders SET status = $1, encrypted_filled = $2, updated_at = NOW() WHERE id = $3`
	tag, err := s.pool.Exec(ctx, query, string(status), fieldToDB(filled), id)
	if err != nil {
		return fmt.Errorf("postgres: update order fill %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order fill %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

const orderSelectCols = `id, owner, nonce, side, kind, pair, base_mint, quote_mint,
	encrypted_quantity, encrypted_price, encrypted_filled,
	status, signature, simulated, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.SubmittedOrder, error) {
	var (
		o                  domain.SubmittedOrder
		nonce              *int64
		side, kind, status string
		qty, price, filled []byte
	)
	err := row.Scan(
		&o.ID, &o.Owner, &nonce, &side, &kind, &o.Pair, &o.BaseMint, &o.QuoteMint,
		&qty, &price, &filled,
		&status, &o.Signature, &o.Simulated, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.SubmittedOrder{}, err
	}
	if nonce != nil {
		n := nonceFromDB(*nonce)
		o.Nonce = &n
	}
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	if o.EncryptedQuantity, err = fieldFromDB(qty); err != nil {
		return domain.SubmittedOrder{}, err
	}
	if o.EncryptedPrice, err = fieldFromDB(price); err != nil {
		return domain.SubmittedOrder{}, err
	}
	if o.EncryptedFilled, err = fieldFromDB(filled); err != nil {
		return domain.SubmittedOrder{}, err
	}
	o.IsLegacyBroken = domain.LegacyBroken(o)
	return o, nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.SubmittedOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmittedOrder{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SubmittedOrder{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns open, partial and pending orders, newest first.
func (s *OrderStore) ListActive(ctx context.Context, owner string) ([]domain.SubmittedOrder, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status IN ('open', 'partial', 'pending')`
	args := []any{}
	if owner != "" {
		query += ` AND owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active orders: %w", err)
	}
	defer rows.Close()

	var out []domain.SubmittedOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active orders rows: %w", err)
	}
	return out, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
