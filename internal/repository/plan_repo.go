package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

// PlanRepository reads active plans together with their assigned panel
type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

const planSelect = `
	SELECT pl.id::text, pl.plan_identifier, pl.name, pl.api_type, pl.assigned_panel_id::text,
		pl.price_per_gb, pl.default_data_limit_gb, pl.default_duration_days, pl.is_active,
		pl.created_at, pl.updated_at,
		p.id::text, p.name, p.type, p.url, p.admin_username, p.admin_password,
		p.is_active, p.health_status, p.default_inbounds, p.enabled_protocols,
		p.created_at, p.updated_at
	FROM plans pl
	LEFT JOIN panels p ON p.id = pl.assigned_panel_id`

// GetActiveByID returns the active plan with the given id
func (r *PlanRepository) GetActiveByID(ctx context.Context, id string) (*models.Plan, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := planSelect + ` WHERE pl.id = $1 AND pl.is_active = TRUE`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetActiveBySlug returns the active plan with the given identifier, case-insensitive
func (r *PlanRepository) GetActiveBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	query := planSelect + ` WHERE LOWER(pl.plan_identifier) = LOWER($1) AND pl.is_active = TRUE`
	return r.scanOne(r.pool.QueryRow(ctx, query, slug))
}

// joinedPanel holds the nullable side of the LEFT JOIN
type joinedPanel struct {
	ID            *string
	Name          *string
	Type          *string
	URL           *string
	AdminUsername *string
	AdminPassword *string
	IsActive      *bool
	HealthStatus  *string
	Inbounds      []byte
	Protocols     []byte
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

func (r *PlanRepository) scanOne(row pgx.Row) (*models.Plan, error) {
	pl := &models.Plan{}
	var jp joinedPanel
	err := row.Scan(
		&pl.ID, &pl.PlanIdentifier, &pl.Name, &pl.APIType, &pl.AssignedPanelID,
		&pl.PricePerGB, &pl.DefaultDataLimitGB, &pl.DefaultDurationDays, &pl.IsActive,
		&pl.CreatedAt, &pl.UpdatedAt,
		&jp.ID, &jp.Name, &jp.Type, &jp.URL, &jp.AdminUsername, &jp.AdminPassword,
		&jp.IsActive, &jp.HealthStatus, &jp.Inbounds, &jp.Protocols,
		&jp.CreatedAt, &jp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}

	panel, err := jp.toPanel()
	if err != nil {
		return nil, err
	}
	pl.Panel = panel
	return pl, nil
}

// toPanel returns nil when the join found no panel
func (jp *joinedPanel) toPanel() (*models.Panel, error) {
	if jp.ID == nil {
		return nil, nil
	}
	p := &models.Panel{
		ID:           *jp.ID,
		Name:         deref(jp.Name),
		Type:         deref(jp.Type),
		URL:          deref(jp.URL),
		Credentials:  models.PanelCredentials{Username: deref(jp.AdminUsername), Password: deref(jp.AdminPassword)},
		HealthStatus: deref(jp.HealthStatus),
		CreatedAt:    jp.CreatedAt.Time,
		UpdatedAt:    jp.UpdatedAt.Time,
	}
	if jp.IsActive != nil {
		p.IsActive = *jp.IsActive
	}
	if err := decodePanelLists(p, jp.Inbounds, jp.Protocols); err != nil {
		return nil, err
	}
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
