package models

import "time"

// ==================== Internal API DTOs ====================

// ProvisionRequest is sent by the storefront after a purchase
type ProvisionRequest struct {
	Username       string `json:"username" binding:"required"`
	Plan           string `json:"plan" binding:"required"` // plan id or identifier
	DataLimitGB    int    `json:"data_limit_gb" binding:"min=0"`
	DurationDays   int    `json:"duration_days" binding:"min=0"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// TrialRequest asks for a free trial account
type TrialRequest struct {
	Username          string `json:"username,omitempty"`
	Plan              string `json:"plan" binding:"required"`
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	DataLimitGB       int    `json:"data_limit_gb" binding:"min=0"`
	DurationDays      int    `json:"duration_days" binding:"min=0"`
}

// ProvisionResponse wraps a created VPN account
type ProvisionResponse struct {
	Success bool                `json:"success"`
	Data    *ProvisioningResult `json:"data"`
}

// ErrorResponse is the error body of every endpoint
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	PlanID  string `json:"plan_id,omitempty"`
	PanelID string `json:"panel_id,omitempty"`
}

// PlanResponse describes a resolved plan and its bound panel. Credentials
// are never included.
type PlanResponse struct {
	ID                  string         `json:"id"`
	PlanIdentifier      string         `json:"plan_identifier"`
	Name                string         `json:"name"`
	DefaultDataLimitGB  int            `json:"default_data_limit_gb"`
	DefaultDurationDays int            `json:"default_duration_days"`
	Panel               *PanelResponse `json:"panel,omitempty"`
}

type PanelResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	IsActive     bool   `json:"is_active"`
	HealthStatus string `json:"health_status"`
}

// NewPlanResponse builds the public view of a plan
func NewPlanResponse(p *Plan) *PlanResponse {
	resp := &PlanResponse{
		ID:                  p.ID,
		PlanIdentifier:      p.PlanIdentifier,
		Name:                p.Name,
		DefaultDataLimitGB:  p.DefaultDataLimitGB,
		DefaultDurationDays: p.DefaultDurationDays,
	}
	if p.Panel != nil {
		resp.Panel = NewPanelResponse(p.Panel)
	}
	return resp
}

func NewPanelResponse(p *Panel) *PanelResponse {
	return &PanelResponse{
		ID:           p.ID,
		Name:         p.Name,
		Type:         p.Type,
		IsActive:     p.IsActive,
		HealthStatus: p.HealthStatus,
	}
}

// ProvisioningLogResponse is one audit entry
type ProvisioningLogResponse struct {
	ID        string                 `json:"id"`
	Action    string                 `json:"action"`
	PlanID    string                 `json:"plan_id,omitempty"`
	PanelID   string                 `json:"panel_id,omitempty"`
	Username  string                 `json:"username,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
