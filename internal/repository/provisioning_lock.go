package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimLocker is a lease lock backed by the provisioning_claims table. It is
// used when no Redis is configured. An expired claim can be taken over.
type ClaimLocker struct {
	pool *pgxpool.Pool
}

func NewClaimLocker(pool *pgxpool.Pool) *ClaimLocker {
	return &ClaimLocker{pool: pool}
}

func (l *ClaimLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	query := `
		INSERT INTO provisioning_claims (key, token, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE provisioning_claims.expires_at < NOW()
	`
	tag, err := l.pool.Exec(ctx, query, key, token, ttl.Seconds())
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the claim only if it is still held with token
func (l *ClaimLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	if _, err := l.pool.Exec(ctx, `DELETE FROM provisioning_claims WHERE key = $1 AND token = $2`, key, token); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
