package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

const uniqueViolation = "23505"

type TestUserRepository struct {
	pool *pgxpool.Pool
}

func NewTestUserRepository(pool *pgxpool.Pool) *TestUserRepository {
	return &TestUserRepository{pool: pool}
}

// ExistsByIdentity reports whether a trial was already issued to the email,
// phone or device fingerprint. Empty values never match.
func (r *TestUserRepository) ExistsByIdentity(ctx context.Context, email, phone, fingerprint string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM test_users
			WHERE ($1 <> '' AND email = $1)
			   OR ($2 <> '' AND phone = $2)
			   OR ($3 <> '' AND device_fingerprint = $3)
		)
	`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, email, phone, fingerprint).Scan(&exists); err != nil {
		return false, fmt.Errorf("check test user identity: %w", err)
	}
	return exists, nil
}

// Create inserts the trial record. A row with the same (username, email,
// phone) returns ErrDuplicate.
func (r *TestUserRepository) Create(ctx context.Context, u *models.TestUser) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	query := `
		INSERT INTO test_users (
			id, username, email, phone, device_fingerprint,
			plan_id, panel_id, subscription_url, expire_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (username, email, phone) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		u.ID, u.Username, u.Email, u.Phone, u.DeviceFingerprint,
		nullableUUID(u.PlanID), nullableUUID(u.PanelID), u.SubscriptionURL, u.ExpireAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert test user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// nullableUUID maps empty or non-uuid references to NULL
func nullableUUID(id string) any {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	return id
}
