package reservation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres grants reservations with session-level advisory locks. Each held
// token pins one pooled connection.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Reserver = (*Postgres)(nil)

// NewPostgres creates a reserver backed by the given pool
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Acquire implements Reserver
func (p *Postgres) Acquire(ctx context.Context, resource string) (Token, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for reservation: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, resource); err != nil {
		// Closing the session drops any lock that was granted concurrently
		_ = conn.Hijack().Close(context.Background())
		return nil, fmt.Errorf("failed to reserve %s: %w", resource, err)
	}
	slog.Debug("Acquired advisory reservation", "resource", resource)

	return newReleaseOnce(func() error {
		_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, resource)
		if err != nil {
			_ = conn.Hijack().Close(context.Background())
			return fmt.Errorf("failed to release %s: %w", resource, err)
		}
		conn.Release()
		return nil
	}), nil
}
