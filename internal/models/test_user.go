package models

import "time"

// TestUser records a free-trial account. Unique on (username, email, phone).
type TestUser struct {
	ID                string
	Username          string
	Email             string
	Phone             string
	DeviceFingerprint string
	PlanID            string
	PanelID           string
	SubscriptionURL   string
	ExpireAt          *time.Time
	CreatedAt         time.Time
}
