package models

import "time"

// BytesPerGB is the GB to bytes factor used for panel data limits
const BytesPerGB = int64(1 << 30)

// SecondsPerDay is the days to seconds factor used for expiry
const SecondsPerDay = int64(86400)

// ProvisioningRequest asks for a VPN account on the panel bound to a plan.
// It is a value object and never persisted.
type ProvisioningRequest struct {
	PlanID         string
	Username       string
	DataLimitGB    int
	DurationDays   int
	Notes          string
	SubscriptionID string
	IsFreeTrial    bool
}

// ProvisioningResult describes a successfully created VPN account.
// Panel identity fields always come from the validated panel record.
type ProvisioningResult struct {
	Username           string `json:"username"`
	SubscriptionURL    string `json:"subscription_url"`
	ExpireEpochSeconds int64  `json:"expire"`
	DataLimitBytes     int64  `json:"data_limit"`
	PanelType          string `json:"panel_type"`
	PanelName          string `json:"panel_name"`
	PanelID            string `json:"panel_id"`
	PanelURL           string `json:"panel_url"`
}

// ExpireAt returns the expiry as a time, nil when the account never expires
func (r *ProvisioningResult) ExpireAt() *time.Time {
	if r.ExpireEpochSeconds <= 0 {
		return nil
	}
	t := time.Unix(r.ExpireEpochSeconds, 0).UTC()
	return &t
}

// Provisioning log action constants
const (
	ActionProvisionSucceeded = "provision_succeeded"
	ActionProvisionFailed    = "provision_failed"
	ActionProvisionOrphaned  = "provision_orphaned"
	ActionTrialCreated       = "trial_created"
)

// ProvisioningLog is an audit entry for a provisioning attempt
type ProvisioningLog struct {
	ID             string
	SubscriptionID string
	PlanID         string
	PanelID        string
	Username       string
	Action         string
	ErrorKind      string
	Message        string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}
