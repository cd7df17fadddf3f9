package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create appends a provisioning audit entry
func (r *LogRepository) Create(ctx context.Context, entry *models.ProvisioningLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioning_logs (
			id, subscription_id, plan_id, panel_id, username,
			action, error_kind, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.SubscriptionID, entry.PlanID, entry.PanelID, entry.Username,
		entry.Action, entry.ErrorKind, entry.Message, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert provisioning log: %w", err)
	}

	return nil
}

// ListBySubscription returns the newest entries for a subscription
func (r *LogRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.ProvisioningLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id::text, subscription_id, plan_id, panel_id, username,
			action, error_kind, message, metadata, created_at
		FROM provisioning_logs
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query provisioning logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ProvisioningLog
	for rows.Next() {
		e := &models.ProvisioningLog{}
		err := rows.Scan(
			&e.ID, &e.SubscriptionID, &e.PlanID, &e.PanelID, &e.Username,
			&e.Action, &e.ErrorKind, &e.Message, &e.Metadata, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provisioning log: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
