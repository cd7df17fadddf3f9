package client

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

const (
	marzbanTokenPath = "/api/admin/token"
	marzbanUserPath  = "/api/user"
)

// MarzbanClient calls the Marzban admin API for one panel
type MarzbanClient struct {
	panel     *models.Panel
	transport *panelTransport
	now       func() time.Time
}

// NewMarzbanClient creates a Marzban adapter bound to a panel
func NewMarzbanClient(panel *models.Panel, deps AdapterDeps) PanelAdapter {
	return &MarzbanClient{
		panel:     panel,
		transport: newPanelTransport(models.PanelTypeMarzban, marzbanTokenPath, panel, deps),
		now:       time.Now,
	}
}

// MarzbanCreateUserRequest is the body of POST /api/user
type MarzbanCreateUserRequest struct {
	Username               string                    `json:"username"`
	Proxies                map[string]map[string]any `json:"proxies"`
	Inbounds               map[string][]string       `json:"inbounds,omitempty"`
	Expire                 int64                     `json:"expire"`
	DataLimit              int64                     `json:"data_limit"`
	DataLimitResetStrategy string                    `json:"data_limit_reset_strategy"`
	Status                 string                    `json:"status"`
	Note                   string                    `json:"note,omitempty"`
}

// MarzbanModifyUserRequest is the body of PUT /api/user/{username}
type MarzbanModifyUserRequest struct {
	Expire    *int64 `json:"expire,omitempty"`
	DataLimit *int64 `json:"data_limit,omitempty"`
	Status    string `json:"status,omitempty"`
	Note      string `json:"note,omitempty"`
}

// MarzbanUserResponse is the user object returned by Marzban
type MarzbanUserResponse struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	Expire          *int64   `json:"expire"`
	DataLimit       *int64   `json:"data_limit"`
	UsedTraffic     int64    `json:"used_traffic"`
	SubscriptionURL string   `json:"subscription_url"`
	Links           []string `json:"links"`
	Note            string   `json:"note"`
}

// Provider implements PanelAdapter
func (c *MarzbanClient) Provider() string {
	return models.PanelTypeMarzban
}

// CreateUser creates a new user on the Marzban panel
func (c *MarzbanClient) CreateUser(ctx context.Context, req CreateUserRequest) (*PanelUser, error) {
	c.transport.log.Info("creating marzban user")

	protocols := marzbanProtocols(req.EnabledProtocols, c.panel.DefaultInbounds)

	body := &MarzbanCreateUserRequest{
		Username:               req.Username,
		Proxies:                make(map[string]map[string]any, len(protocols)),
		Inbounds:               marzbanInbounds(protocols, c.panel.DefaultInbounds),
		DataLimit:              int64(req.DataLimitGB) * models.BytesPerGB,
		DataLimitResetStrategy: "no_reset",
		Status:                 UserStatusActive,
		Note:                   req.Notes,
	}
	for _, p := range protocols {
		body.Proxies[p] = map[string]any{}
	}
	if req.DurationDays > 0 {
		body.Expire = c.now().Unix() + int64(req.DurationDays)*models.SecondsPerDay
	}

	var result MarzbanUserResponse
	if err := c.transport.doJSON(ctx, http.MethodPost, marzbanUserPath, body, &result); err != nil {
		return nil, err
	}

	c.transport.log.Info("marzban user created")
	return c.toPanelUser(&result), nil
}

// GetUser gets a Marzban user by username
func (c *MarzbanClient) GetUser(ctx context.Context, username string) (*PanelUser, error) {
	var result MarzbanUserResponse
	if err := c.transport.doJSON(ctx, http.MethodGet, marzbanUserPath+"/"+escapeUsername(username), nil, &result); err != nil {
		return nil, err
	}
	return c.toPanelUser(&result), nil
}

// UpdateUser modifies a Marzban user
func (c *MarzbanClient) UpdateUser(ctx context.Context, username string, req UpdateUserRequest) (*PanelUser, error) {
	body := &MarzbanModifyUserRequest{
		Status: req.Status,
		Note:   req.Notes,
	}
	if req.DataLimitGB > 0 {
		limit := int64(req.DataLimitGB) * models.BytesPerGB
		body.DataLimit = &limit
	}
	if req.ExpireEpochSeconds > 0 {
		expire := req.ExpireEpochSeconds
		body.Expire = &expire
	}

	var result MarzbanUserResponse
	if err := c.transport.doJSON(ctx, http.MethodPut, marzbanUserPath+"/"+escapeUsername(username), body, &result); err != nil {
		return nil, err
	}
	return c.toPanelUser(&result), nil
}

func (c *MarzbanClient) toPanelUser(r *MarzbanUserResponse) *PanelUser {
	user := &PanelUser{
		Username:        r.Username,
		SubscriptionURL: c.transport.absoluteURL(r.SubscriptionURL),
		Status:          r.Status,
		DataLimit:       r.DataLimit,
		UsedTraffic:     r.UsedTraffic,
	}
	// Marzban reports 0 or null for "never expires"
	if r.Expire != nil && *r.Expire > 0 {
		expire := *r.Expire
		user.Expire = &expire
	}
	return user
}

// marzbanProtocols picks the proxy protocols: the requested ones, else the
// protocols of the panel's default inbounds.
func marzbanProtocols(enabled []string, inbounds []models.Inbound) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range enabled {
		add(p)
	}
	if len(out) == 0 {
		for _, in := range inbounds {
			add(in.Protocol)
		}
	}
	sort.Strings(out)
	return out
}

// marzbanInbounds groups default inbound tags by protocol, limited to the
// selected protocols. Nil lets Marzban enable all inbounds of each protocol.
func marzbanInbounds(protocols []string, inbounds []models.Inbound) map[string][]string {
	allowed := map[string]bool{}
	for _, p := range protocols {
		allowed[p] = true
	}
	out := map[string][]string{}
	for _, in := range inbounds {
		p := strings.ToLower(strings.TrimSpace(in.Protocol))
		if in.Tag == "" || !allowed[p] {
			continue
		}
		out[p] = append(out[p], in.Tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
