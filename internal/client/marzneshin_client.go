package client

import (
	"context"
	"net/http"
	"time"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"go.uber.org/zap"
)

const (
	marzneshinTokenPath = "/api/admins/token"
	marzneshinUserPath  = "/api/users"
)

// Marzneshin expire strategies
const (
	marzneshinExpireNever      = "never"
	marzneshinExpireFixedDate  = "fixed_date"
	marzneshinExpireFirstUsage = "start_on_first_use"
)

// MarzneshinClient calls the Marzneshin admin API for one panel
type MarzneshinClient struct {
	panel     *models.Panel
	transport *panelTransport
}

// NewMarzneshinClient creates a Marzneshin adapter bound to a panel
func NewMarzneshinClient(panel *models.Panel, deps AdapterDeps) PanelAdapter {
	return &MarzneshinClient{
		panel:     panel,
		transport: newPanelTransport(models.PanelTypeMarzneshin, marzneshinTokenPath, panel, deps),
	}
}

// MarzneshinCreateUserRequest is the body of POST /api/users
type MarzneshinCreateUserRequest struct {
	Username               string `json:"username"`
	ServiceIDs             []int  `json:"service_ids"`
	ExpireStrategy         string `json:"expire_strategy"`
	UsageDuration          *int64 `json:"usage_duration,omitempty"`
	DataLimit              int64  `json:"data_limit"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy"`
	Note                   string `json:"note,omitempty"`
}

// MarzneshinModifyUserRequest is the body of PUT /api/users/{username}
type MarzneshinModifyUserRequest struct {
	Username       string  `json:"username"`
	DataLimit      *int64  `json:"data_limit,omitempty"`
	ExpireStrategy string  `json:"expire_strategy,omitempty"`
	ExpireDate     *string `json:"expire_date,omitempty"`
	Note           string  `json:"note,omitempty"`
}

// MarzneshinUserResponse is the user object returned by Marzneshin
type MarzneshinUserResponse struct {
	Username         string  `json:"username"`
	SubscriptionURL  string  `json:"subscription_url"`
	ExpireStrategy   string  `json:"expire_strategy"`
	ExpireDate       *string `json:"expire_date"`
	UsageDuration    *int64  `json:"usage_duration"`
	DataLimit        *int64  `json:"data_limit"`
	UsedTraffic      int64   `json:"used_traffic"`
	Enabled          bool    `json:"enabled"`
	Expired          bool    `json:"expired"`
	DataLimitReached bool    `json:"data_limit_reached"`
	ServiceIDs       []int   `json:"service_ids"`
	Note             string  `json:"note"`
}

// Provider implements PanelAdapter
func (c *MarzneshinClient) Provider() string {
	return models.PanelTypeMarzneshin
}

// CreateUser creates a new user on the Marzneshin panel. The duration starts
// counting from first use, so the panel does not report an expire date.
func (c *MarzneshinClient) CreateUser(ctx context.Context, req CreateUserRequest) (*PanelUser, error) {
	serviceIDs := c.panel.ServiceIDs()
	c.transport.log.Info("creating marzneshin user", zap.Int("services", len(serviceIDs)))

	body := &MarzneshinCreateUserRequest{
		Username:               req.Username,
		ServiceIDs:             serviceIDs,
		ExpireStrategy:         marzneshinExpireNever,
		DataLimit:              int64(req.DataLimitGB) * models.BytesPerGB,
		DataLimitResetStrategy: "no_reset",
		Note:                   req.Notes,
	}
	if req.DurationDays > 0 {
		duration := int64(req.DurationDays) * models.SecondsPerDay
		body.ExpireStrategy = marzneshinExpireFirstUsage
		body.UsageDuration = &duration
	}

	var result MarzneshinUserResponse
	if err := c.transport.doJSON(ctx, http.MethodPost, marzneshinUserPath, body, &result); err != nil {
		return nil, err
	}

	c.transport.log.Info("marzneshin user created")
	return c.toPanelUser(&result), nil
}

// GetUser gets a Marzneshin user by username
func (c *MarzneshinClient) GetUser(ctx context.Context, username string) (*PanelUser, error) {
	var result MarzneshinUserResponse
	if err := c.transport.doJSON(ctx, http.MethodGet, marzneshinUserPath+"/"+escapeUsername(username), nil, &result); err != nil {
		return nil, err
	}
	return c.toPanelUser(&result), nil
}

// UpdateUser modifies a Marzneshin user. An expiry switches the user to a
// fixed expire date.
func (c *MarzneshinClient) UpdateUser(ctx context.Context, username string, req UpdateUserRequest) (*PanelUser, error) {
	body := &MarzneshinModifyUserRequest{
		Username: username,
		Note:     req.Notes,
	}
	if req.DataLimitGB > 0 {
		limit := int64(req.DataLimitGB) * models.BytesPerGB
		body.DataLimit = &limit
	}
	if req.ExpireEpochSeconds > 0 {
		date := time.Unix(req.ExpireEpochSeconds, 0).UTC().Format(time.RFC3339)
		body.ExpireStrategy = marzneshinExpireFixedDate
		body.ExpireDate = &date
	}

	path := marzneshinUserPath + "/" + escapeUsername(username)
	var result MarzneshinUserResponse
	if err := c.transport.doJSON(ctx, http.MethodPut, path, body, &result); err != nil {
		return nil, err
	}

	// Marzneshin toggles enablement through dedicated endpoints
	switch req.Status {
	case UserStatusActive:
		if err := c.transport.doJSON(ctx, http.MethodPost, path+"/enable", nil, &result); err != nil {
			return nil, err
		}
	case UserStatusDisabled:
		if err := c.transport.doJSON(ctx, http.MethodPost, path+"/disable", nil, &result); err != nil {
			return nil, err
		}
	}

	return c.toPanelUser(&result), nil
}

func (c *MarzneshinClient) toPanelUser(r *MarzneshinUserResponse) *PanelUser {
	user := &PanelUser{
		Username:        r.Username,
		SubscriptionURL: c.transport.absoluteURL(r.SubscriptionURL),
		DataLimit:       r.DataLimit,
		UsedTraffic:     r.UsedTraffic,
		Status:          marzneshinStatus(r),
	}
	if r.ExpireDate != nil && *r.ExpireDate != "" {
		if t, err := parseMarzneshinTime(*r.ExpireDate); err == nil {
			expire := t.Unix()
			user.Expire = &expire
		}
	}
	return user
}

func marzneshinStatus(r *MarzneshinUserResponse) string {
	switch {
	case r.Expired:
		return UserStatusExpired
	case r.DataLimitReached:
		return UserStatusLimited
	case !r.Enabled:
		return UserStatusDisabled
	default:
		return UserStatusActive
	}
}

// parseMarzneshinTime accepts RFC3339 and the zone-less ISO form Marzneshin emits
func parseMarzneshinTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999", s, time.UTC)
}
