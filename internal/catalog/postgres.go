package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the products table. Apply it with
// [Postgres.Migrate] or during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    price       DOUBLE PRECISION NOT NULL DEFAULT 0,
    features    JSONB NOT NULL DEFAULT '[]',
    in_stock    BOOLEAN NOT NULL DEFAULT false,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_lower_name ON products (lower(name));
`

// DB is the subset of pgx used by [Postgres]. *pgxpool.Pool and *pgx.Conn
// both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Catalog = (*Postgres)(nil)

// Postgres is a [Catalog] stored in PostgreSQL. Features are kept as JSONB.
type Postgres struct {
	db        DB
	suggester *Suggester
}

// NewPostgres returns a catalog over db. Call [Postgres.Migrate] before the
// first query if the schema may be missing.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db, suggester: NewSuggester()}
}

// Migrate executes [Schema].
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Seed upserts products by id.
func (p *Postgres) Seed(ctx context.Context, products []Product) error {
	const query = `
		INSERT INTO products (id, name, category, description, price, features, in_stock)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			features = EXCLUDED.features,
			in_stock = EXCLUDED.in_stock,
			updated_at = now()`

	for _, pr := range products {
		if pr.ID == "" || pr.Name == "" {
			return fmt.Errorf("catalog: seed: product needs id and name, got %q/%q", pr.ID, pr.Name)
		}
		features := pr.Features
		if features == nil {
			features = []string{}
		}
		featJSON, err := json.Marshal(features)
		if err != nil {
			return fmt.Errorf("catalog: marshal features of %q: %w", pr.ID, err)
		}
		if _, err := p.db.Exec(ctx, query,
			pr.ID, pr.Name, pr.Category, pr.Description, pr.Price, featJSON, pr.InStock,
		); err != nil {
			return fmt.Errorf("catalog: seed %q: %w", pr.ID, err)
		}
	}
	return nil
}

// Lookup implements [Catalog].
func (p *Postgres) Lookup(ctx context.Context, name string) (Product, error) {
	const query = `
		SELECT id, name, category, description, price, features, in_stock
		FROM products
		WHERE lower(name) = lower($1)`

	var (
		pr       Product
		featJSON []byte
	)
	err := p.db.QueryRow(ctx, query, strings.TrimSpace(name)).Scan(
		&pr.ID, &pr.Name, &pr.Category, &pr.Description, &pr.Price, &featJSON, &pr.InStock,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, p.notFound(ctx, name)
	}
	if err != nil {
		return Product{}, fmt.Errorf("catalog: lookup %q: %w", name, err)
	}
	if err := json.Unmarshal(featJSON, &pr.Features); err != nil {
		return Product{}, fmt.Errorf("catalog: unmarshal features of %q: %w", pr.ID, err)
	}
	return pr, nil
}

// Names returns every product name ordered by name.
func (p *Postgres) Names(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT name FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("catalog: scan name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list names: %w", err)
	}
	return names, nil
}

// Ping checks that the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	if err := p.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("catalog: ping: %w", err)
	}
	return nil
}

// notFound builds the miss error. A failure to list names only costs the
// suggestion.
func (p *Postgres) notFound(ctx context.Context, name string) error {
	nf := &NotFoundError{Name: name}
	names, err := p.Names(ctx)
	if err != nil {
		return nf
	}
	if sug, ok := p.suggester.Suggest(name, names); ok {
		nf.Suggestion = sug
	}
	return nf
}
