package product

import (
	"context"
	"errors"
	"log/slog"

	"imobilerepair/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) Repository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &postgresRepo{pool: pool, logger: logger.With("component", "product_repo")}
}

func (r *postgresRepo) List(ctx context.Context) ([]domain.Product, error) {
	const q = `
SELECT id::text, key, title, price_cents, currency, created_at, updated_at
FROM products
ORDER BY title ASC
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		r.logger.Error("list products", "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Key, &p.Title, &p.PriceCents, &p.Currency, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	const q = `
SELECT id::text, key, title, price_cents, currency, created_at, updated_at
FROM products
WHERE id = $1
`
	var p domain.Product
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Key, &p.Title, &p.PriceCents, &p.Currency, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Upsert inserts or updates a product by key.
func (r *postgresRepo) Upsert(ctx context.Context, product domain.Product) (*domain.Product, error) {
	const q = `
INSERT INTO products (key, title, price_cents, currency)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET
    title = EXCLUDED.title,
    price_cents = EXCLUDED.price_cents,
    currency = EXCLUDED.currency,
    updated_at = now()
RETURNING id::text, key, title, price_cents, currency, created_at, updated_at
`
	var p domain.Product
	err := r.pool.QueryRow(ctx, q, product.Key, product.Title, product.PriceCents, domain.NormalizeCurrency(product.Currency)).
		Scan(&p.ID, &p.Key, &p.Title, &p.PriceCents, &p.Currency, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		r.logger.Error("upsert product", "key", product.Key, "error", err)
		return nil, err
	}
	r.logger.Info("upserted product", "key", p.Key, "id", p.ID, "price_cents", p.PriceCents)
	return &p, nil
}
