package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

// SubscriptionRepository reads subscriptions written by the purchase flow and
// records the provisioning outcome
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `id::text, username, plan_id::text, status, admin_decision,
	vpn_user_created, subscription_url, expire_at,
	data_limit_gb, duration_days, notes,
	created_at, updated_at`

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM subscriptions WHERE id = $1`, subscriptionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// MarkProvisioned flips vpn_user_created from false to true. It reports false
// when the row was already provisioned or does not exist.
func (r *SubscriptionRepository) MarkProvisioned(ctx context.Context, id string, p *models.SubscriptionProvisioned) (bool, error) {
	var panelID any
	if p.PanelID != "" {
		panelID = p.PanelID
	}

	query := `
		UPDATE subscriptions SET
			vpn_user_created = TRUE,
			subscription_url = $2,
			expire_at = $3,
			panel_id = $4,
			status = 'active',
			updated_at = NOW()
		WHERE id = $1 AND vpn_user_created = FALSE
	`
	tag, err := r.pool.Exec(ctx, query, id, p.SubscriptionURL, p.ExpireAt, panelID)
	if err != nil {
		return false, fmt.Errorf("mark subscription provisioned: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SubscriptionRepository) scanOne(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.Username, &s.PlanID, &s.Status, &s.AdminDecision,
		&s.VPNUserCreated, &s.SubscriptionURL, &s.ExpireAt,
		&s.DataLimitGB, &s.DurationDays, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return s, nil
}
