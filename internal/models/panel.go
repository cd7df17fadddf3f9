package models

import (
	"strings"
	"time"
)

// Panel type constants
const (
	PanelTypeMarzban    = "marzban"
	PanelTypeMarzneshin = "marzneshin"
)

// Panel health status constants. Health is written by an external checker.
const (
	HealthStatusOnline  = "online"
	HealthStatusOffline = "offline"
	HealthStatusUnknown = "unknown"
)

// Panel represents a VPN panel server (Marzban or Marzneshin)
type Panel struct {
	ID          string
	Name        string
	Type        string
	URL         string
	Credentials PanelCredentials

	IsActive     bool
	HealthStatus string

	// DefaultInbounds is required non-empty for Marzneshin, where each
	// inbound ID is a service id.
	DefaultInbounds  []Inbound
	EnabledProtocols []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PanelCredentials are the admin credentials used to obtain a panel token
type PanelCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Inbound is a panel inbound (Marzban tag) or service (Marzneshin id)
type Inbound struct {
	ID       int    `json:"id,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// ServiceIDs returns the distinct positive inbound ids. Marzneshin binds users
// to services by these ids; inbounds without one are unusable there.
func (p *Panel) ServiceIDs() []int {
	ids := make([]int, 0, len(p.DefaultInbounds))
	seen := map[int]bool{}
	for _, in := range p.DefaultInbounds {
		if in.ID <= 0 || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		ids = append(ids, in.ID)
	}
	return ids
}

// IsOffline reports whether the panel was explicitly marked offline.
// Unknown health does not count as offline.
func (p *Panel) IsOffline() bool {
	return strings.EqualFold(p.HealthStatus, HealthStatusOffline)
}

// NormalizedType returns the panel type lower-cased and trimmed
func (p *Panel) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(p.Type))
}

// BaseURL returns the panel URL without a trailing slash
func (p *Panel) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(p.URL), "/")
}
