// Package postgres stores transfer leases in Postgres so that several orchestrator replicas
// never drive the same transfer at once. Expiry is judged by the database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usdc-relay/cctp-orchestrator/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transfer_leases (name, owner, expires_at, acquired_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now()
		WHERE transfer_leases.expires_at <= now()
		RETURNING expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&expires)
	if err == nil {
		return leases.Lease{Name: name, Owner: owner, ExpiresAt: expires}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %s: %w", name, err)
	}

	cur, err := s.current(ctx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the upsert and the read; report it as held and let the caller retry.
		return leases.Lease{Name: name}, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, err
	}
	return cur, false, nil
}

func (s *Store) Extend(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE transfer_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond')
		WHERE name = $1 AND owner = $2
		RETURNING expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: extend %s: %w", name, err)
	}
	return leases.Lease{Name: name, Owner: owner, ExpiresAt: expires}, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM transfer_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, err := s.current(ctx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) current(ctx context.Context, name string) (leases.Lease, error) {
	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM transfer_leases WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, err
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}
