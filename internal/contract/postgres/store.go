package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contract-wizard/compiler-server/internal/contenthash"
	"github.com/contract-wizard/compiler-server/internal/contract"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("contract/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("contract/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, c contract.Contract) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	features := c.Features
	if features == nil {
		features = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (code_id, wasm, metadata, features, created_at)
		VALUES ($1, $2, $3::jsonb, $4, COALESCE($5, now()))
		ON CONFLICT (code_id) DO NOTHING
	`, c.CodeID[:], c.Wasm, []byte(c.Metadata), features, nullTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("contract/postgres: insert contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return contract.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, codeID contenthash.ID) (contract.Contract, error) {
	if s == nil || s.pool == nil {
		return contract.Contract{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		c           contract.Contract
		metadataRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT wasm, metadata, features, created_at
		FROM contracts
		WHERE code_id = $1
	`, codeID[:]).Scan(&c.Wasm, &metadataRaw, &c.Features, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Contract{}, contract.ErrNotFound
		}
		return contract.Contract{}, fmt.Errorf("contract/postgres: get contract: %w", err)
	}
	c.CodeID = codeID
	c.Metadata = metadataRaw
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
