package models

import "time"

// Plan represents a sellable subscription tier bound to at most one panel
type Plan struct {
	ID             string
	PlanIdentifier string // human slug, e.g. "lite"
	Name           string
	APIType        string

	AssignedPanelID *string

	PricePerGB          int64
	DefaultDataLimitGB  int
	DefaultDurationDays int
	IsActive            bool

	// Panel is the joined assigned panel, nil when unassigned or missing
	Panel *Panel

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAssignedPanel reports whether the plan is bound to a panel that exists
func (p *Plan) HasAssignedPanel() bool {
	return p.AssignedPanelID != nil && *p.AssignedPanelID != "" && p.Panel != nil
}
