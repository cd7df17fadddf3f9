package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provisioning failures
type ErrorKind string

// Provisioning error kinds
const (
	KindPlanNotFound                   ErrorKind = "plan_not_found"
	KindNoPanelAssigned                ErrorKind = "no_panel_assigned"
	KindPanelInactive                  ErrorKind = "panel_inactive"
	KindPanelOffline                   ErrorKind = "panel_offline"
	KindPanelMisconfigured             ErrorKind = "panel_misconfigured"
	KindUnsupportedPanelType           ErrorKind = "unsupported_panel_type"
	KindProvisioningTransportError     ErrorKind = "provisioning_transport_error"
	KindProvisioningIncompleteResponse ErrorKind = "provisioning_incomplete_response"
	KindServiceUnavailable             ErrorKind = "service_unavailable"
	KindSubscriptionNotFound           ErrorKind = "subscription_not_found"
	KindProvisioningInProgress         ErrorKind = "provisioning_in_progress"
	KindAlreadyProvisioned             ErrorKind = "already_provisioned"
	KindTrialAlreadyUsed               ErrorKind = "trial_already_used"
	KindInvalidRequest                 ErrorKind = "invalid_request"
)

// Sentinels matched by errors.Is against a *ProvisioningError of the same kind
var (
	ErrPlanNotFound                   = &ProvisioningError{Kind: KindPlanNotFound}
	ErrNoPanelAssigned                = &ProvisioningError{Kind: KindNoPanelAssigned}
	ErrPanelInactive                  = &ProvisioningError{Kind: KindPanelInactive}
	ErrPanelOffline                   = &ProvisioningError{Kind: KindPanelOffline}
	ErrPanelMisconfigured             = &ProvisioningError{Kind: KindPanelMisconfigured}
	ErrUnsupportedPanelType           = &ProvisioningError{Kind: KindUnsupportedPanelType}
	ErrProvisioningTransport          = &ProvisioningError{Kind: KindProvisioningTransportError}
	ErrProvisioningIncompleteResponse = &ProvisioningError{Kind: KindProvisioningIncompleteResponse}
	ErrServiceUnavailable             = &ProvisioningError{Kind: KindServiceUnavailable}
	ErrSubscriptionNotFound           = &ProvisioningError{Kind: KindSubscriptionNotFound}
	ErrProvisioningInProgress         = &ProvisioningError{Kind: KindProvisioningInProgress}
	ErrAlreadyProvisioned             = &ProvisioningError{Kind: KindAlreadyProvisioned}
	ErrTrialAlreadyUsed               = &ProvisioningError{Kind: KindTrialAlreadyUsed}
	ErrInvalidRequest                 = &ProvisioningError{Kind: KindInvalidRequest}
)

// ProvisioningError is returned by every provisioning entry point
type ProvisioningError struct {
	Kind      ErrorKind
	Message   string
	PlanID    string
	PanelID   string
	PanelName string

	// Set for transport errors
	Provider   string
	StatusCode int

	Err error
}

// Error implements the error interface
func (e *ProvisioningError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.PlanID != "" {
		fmt.Fprintf(&b, " (plan_id: %s)", e.PlanID)
	}
	if e.PanelID != "" {
		fmt.Fprintf(&b, " (panel: %s %s)", e.PanelID, e.PanelName)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is matches any ProvisioningError of the same kind
func (e *ProvisioningError) Is(target error) bool {
	t, ok := target.(*ProvisioningError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsConfiguration reports whether the error comes from plan or panel setup
// rather than from the provider call.
func (e *ProvisioningError) IsConfiguration() bool {
	switch e.Kind {
	case KindNoPanelAssigned, KindPanelInactive, KindPanelOffline,
		KindPanelMisconfigured, KindUnsupportedPanelType:
		return true
	}
	return false
}

// KindOf returns the kind of a provisioning error, empty for other errors
func KindOf(err error) ErrorKind {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func newError(kind ErrorKind, format string, args ...any) *ProvisioningError {
	return &ProvisioningError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
