package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contract-wizard/compiler-server/internal/deployment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("deployment/postgres: invalid config")

const selectColumns = `id::text, contract_name, contract_address, network, code_id, user_address,
	tx_hash, date, contract_type, external_abi, hidden, created_at`

type Store struct {
	pool *pgxpool.Pool

	newID func() uuid.UUID
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, newID: uuid.New}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("deployment/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, d deployment.Deployment) (deployment.Deployment, error) {
	if s == nil || s.pool == nil {
		return deployment.Deployment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := d.Validate(); err != nil {
		return deployment.Deployment{}, err
	}
	if d.ID == uuid.Nil {
		d.ID = s.newID()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO deployments (
			id, contract_name, contract_address, network, code_id, user_address,
			tx_hash, date, contract_type, external_abi, hidden, created_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, COALESCE($12, now())
		)
		RETURNING created_at
	`,
		d.ID.String(), d.ContractName, d.ContractAddress, d.Network, d.CodeID, d.UserAddress,
		d.TxHash, d.Date, d.ContractType, d.ExternalABI, d.Hidden, nullTime(d.CreatedAt),
	).Scan(&d.CreatedAt)
	if err != nil {
		return deployment.Deployment{}, fmt.Errorf("deployment/postgres: insert deployment: %w", err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (deployment.Deployment, error) {
	if s == nil || s.pool == nil {
		return deployment.Deployment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM deployments WHERE id = $1::uuid`, id.String())
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deployment.Deployment{}, deployment.ErrNotFound
		}
		return deployment.Deployment{}, fmt.Errorf("deployment/postgres: get deployment: %w", err)
	}
	return d, nil
}

func (s *Store) List(ctx context.Context, f deployment.Filter) ([]deployment.Deployment, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM deployments
		WHERE user_address = $1
			AND ($2 = '' OR network = $2)
			AND ($3 = '' OR contract_address = $3)
		ORDER BY created_at ASC, id ASC
	`, f.UserAddress, f.Network, f.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("deployment/postgres: list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]deployment.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("deployment/postgres: scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deployment/postgres: list deployments: %w", err)
	}
	return out, nil
}

func scanDeployment(row pgx.Row) (deployment.Deployment, error) {
	var (
		d     deployment.Deployment
		idRaw string
	)
	if err := row.Scan(
		&idRaw,
		&d.ContractName,
		&d.ContractAddress,
		&d.Network,
		&d.CodeID,
		&d.UserAddress,
		&d.TxHash,
		&d.Date,
		&d.ContractType,
		&d.ExternalABI,
		&d.Hidden,
		&d.CreatedAt,
	); err != nil {
		return deployment.Deployment{}, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return deployment.Deployment{}, fmt.Errorf("parse id: %w", err)
	}
	d.ID = id
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
