package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresCache stores keys in paymaster.dedup_keys. Expired rows are never
// swept; Reserve and Set overwrite them in place.
type PostgresCache struct {
	db *sql.DB
}

func NewPostgresCache(db *sql.DB) *PostgresCache {
	return &PostgresCache{db: db}
}

func (c *PostgresCache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `
		SELECT value FROM paymaster.dedup_keys
		WHERE key = $1 AND expires_at > now()
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *PostgresCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO paymaster.dedup_keys (key, value, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("dedup set %s: %w", key, err)
	}
	return nil
}

// Reserve relies on the row lock taken by ON CONFLICT: of two concurrent
// inserts only one sees an absent or expired row and gets a RETURNING row.
func (c *PostgresCache) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var got string
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO paymaster.dedup_keys (key, value, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE paymaster.dedup_keys.expires_at <= now()
		RETURNING key
	`, key, value, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup reserve %s: %w", key, err)
	}
	return true, nil
}

func (c *PostgresCache) Release(ctx context.Context, key, value string) error {
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM paymaster.dedup_keys WHERE key = $1 AND value = $2
	`, key, value); err != nil {
		return fmt.Errorf("dedup release %s: %w", key, err)
	}
	return nil
}
