package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

// PanelRepository is read-only. Panels and their health are maintained by
// the admin tooling and the health checker.
type PanelRepository struct {
	pool *pgxpool.Pool
}

func NewPanelRepository(pool *pgxpool.Pool) *PanelRepository {
	return &PanelRepository{pool: pool}
}

const panelColumns = `p.id::text, p.name, p.type, p.url, p.admin_username, p.admin_password,
	p.is_active, p.health_status, p.default_inbounds, p.enabled_protocols,
	p.created_at, p.updated_at`

func (r *PanelRepository) GetByID(ctx context.Context, id string) (*models.Panel, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM panels p WHERE p.id = $1`, panelColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// List returns every panel, active first
func (r *PanelRepository) List(ctx context.Context) ([]*models.Panel, error) {
	query := fmt.Sprintf(`SELECT %s FROM panels p ORDER BY p.is_active DESC, p.name`, panelColumns)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list panels: %w", err)
	}
	defer rows.Close()

	var panels []*models.Panel
	for rows.Next() {
		p, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		panels = append(panels, p)
	}
	return panels, rows.Err()
}

func (r *PanelRepository) scanOne(row pgx.Row) (*models.Panel, error) {
	p := &models.Panel{}
	var inbounds, protocols []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.URL, &p.Credentials.Username, &p.Credentials.Password,
		&p.IsActive, &p.HealthStatus, &inbounds, &protocols,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan panel: %w", err)
	}
	if err := decodePanelLists(p, inbounds, protocols); err != nil {
		return nil, err
	}
	return p, nil
}

// decodePanelLists fills the JSONB inbound and protocol lists. NULL or empty
// columns leave the lists empty.
func decodePanelLists(p *models.Panel, inbounds, protocols []byte) error {
	if len(inbounds) > 0 {
		if err := json.Unmarshal(inbounds, &p.DefaultInbounds); err != nil {
			return fmt.Errorf("decode default_inbounds for panel %s: %w", p.ID, err)
		}
	}
	if len(protocols) > 0 {
		if err := json.Unmarshal(protocols, &p.EnabledProtocols); err != nil {
			return fmt.Errorf("decode enabled_protocols for panel %s: %w", p.ID, err)
		}
	}
	return nil
}
