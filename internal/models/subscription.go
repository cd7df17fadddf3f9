package models

import "time"

// Subscription status constants
const (
	SubscriptionStatusPending = "pending"
	SubscriptionStatusPaid    = "paid"
	SubscriptionStatusActive  = "active"
	SubscriptionStatusExpired = "expired"
)

// Admin decision constants
const (
	AdminDecisionPending  = "pending"
	AdminDecisionApproved = "approved"
	AdminDecisionRejected = "rejected"
)

// Subscription is a purchased subscription. It is created by the purchase
// flow; this service only flips it to provisioned.
type Subscription struct {
	ID            string
	Username      string
	PlanID        string
	Status        string
	AdminDecision string

	VPNUserCreated  bool
	SubscriptionURL *string
	ExpireAt        *time.Time

	// Purchase parameters
	DataLimitGB  int
	DurationDays int
	Notes        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsApproved reports whether the subscription is active and approved
func (s *Subscription) IsApproved() bool {
	return s.Status == SubscriptionStatusActive && s.AdminDecision == AdminDecisionApproved
}

// IsRejected reports whether an admin rejected the subscription
func (s *Subscription) IsRejected() bool {
	return s.AdminDecision == AdminDecisionRejected
}

// SubscriptionProvisioned is the state persisted after a successful provisioning
type SubscriptionProvisioned struct {
	SubscriptionURL string
	ExpireAt        *time.Time
	PanelID         string
}
