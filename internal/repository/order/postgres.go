package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imobilerepair/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id::text, customer_name, customer_email, customer_phone, customer_address, items,
       total_cents, currency, status, payment_session_id, created_at, updated_at, paid_at, payment_started_at`

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres returns a Repository backed by Postgres.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) Repository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &postgresRepo{pool: pool, logger: logger.With("component", "order_repo")}
}

func (r *postgresRepo) Create(ctx context.Context, o domain.Order) (*domain.Order, error) {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO orders (id, customer_name, customer_email, customer_phone, customer_address, items, total_cents, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
RETURNING ` + orderColumns
	created, err := scanOrder(r.pool.QueryRow(ctx, q,
		o.ID,
		o.Customer.Name,
		o.Customer.Email,
		o.Customer.Phone,
		o.Customer.Address,
		itemsJSON,
		o.TotalCents,
		o.Currency,
	))
	if err != nil {
		r.logger.Error("create order", "order_id", o.ID, "error", err)
		return nil, err
	}
	return created, nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return scanOrder(r.pool.QueryRow(ctx, q, id))
}

func (r *postgresRepo) List(ctx context.Context, f ListFilter) ([]domain.Order, int, error) {
	f = f.Normalize()
	status := string(f.Status)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE ($1 = '' OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + orderColumns + `
FROM orders
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, status, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *postgresRepo) AttachSession(ctx context.Context, id, sessionID string) error {
	cmd, err := r.pool.Exec(ctx, `
UPDATE orders
SET payment_session_id = $2, updated_at = now()
WHERE id = $1 AND payment_session_id IS NULL
`, id, sessionID)
	if err != nil {
		return mapErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *postgresRepo) MarkPaid(ctx context.Context, id, sessionID string) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `
UPDATE orders
SET status = 'paid',
    paid_at = now(),
    updated_at = now(),
    payment_session_id = COALESCE(payment_session_id, NULLIF($2, ''))
WHERE id = $1 AND status = 'pending'
`, id, sessionID)
	if err != nil {
		if errors.Is(mapErr(err), domain.ErrNotFound) {
			return false, nil
		}
		r.logger.Error("mark paid", "order_id", id, "error", err)
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *postgresRepo) MarkPaymentStarted(ctx context.Context, id string) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `
UPDATE orders
SET payment_started_at = now(), updated_at = now()
WHERE id = $1 AND status = 'pending' AND payment_started_at IS NULL
`, id)
	if err != nil {
		if errors.Is(mapErr(err), domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *postgresRepo) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	const q = `
UPDATE orders
SET status = $2,
    updated_at = now(),
    paid_at = CASE WHEN $2 = 'paid' AND paid_at IS NULL THEN now() ELSE paid_at END
WHERE id = $1
RETURNING ` + orderColumns
	return scanOrder(r.pool.QueryRow(ctx, q, id, string(status)))
}

func (r *postgresRepo) TransitionStatus(ctx context.Context, id string, from, to domain.OrderStatus) (*domain.Order, error) {
	const q = `
UPDATE orders
SET status = $3,
    updated_at = now(),
    paid_at = CASE WHEN $3 = 'paid' AND paid_at IS NULL THEN now() ELSE paid_at END
WHERE id = $1 AND status = $2
RETURNING ` + orderColumns
	o, err := scanOrder(r.pool.QueryRow(ctx, q, id, string(from), string(to)))
	if !errors.Is(err, domain.ErrNotFound) {
		return o, err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: order %s is not %s", domain.ErrInvalidTransition, id, from)
}

func (r *postgresRepo) CancelStalePending(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
UPDATE orders
SET status = 'cancelled', updated_at = now()
WHERE status = 'pending' AND payment_started_at IS NULL AND created_at < $1
RETURNING id::text
`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepo) Delete(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o         domain.Order
		itemsJSON []byte
		status    string
		sessionID *string
	)
	err := row.Scan(
		&o.ID,
		&o.Customer.Name,
		&o.Customer.Email,
		&o.Customer.Phone,
		&o.Customer.Address,
		&itemsJSON,
		&o.TotalCents,
		&o.Currency,
		&status,
		&sessionID,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.PaidAt,
		&o.PaymentStartedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	o.Status = domain.OrderStatus(status)
	if sessionID != nil {
		o.PaymentSessionID = *sessionID
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items for order %s: %w", o.ID, err)
	}
	return &o, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02": // malformed uuid can never match a row
			return domain.ErrNotFound
		case "23505":
			return domain.ErrAlreadyExists
		}
	}
	return err
}
