package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProvisioningError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("provision: %w", &ProvisioningError{
		Kind:      KindPanelOffline,
		Message:   "panel is offline",
		PlanID:    "plan-1",
		PanelID:   "p1",
		PanelName: "P1",
	})

	assert.ErrorIs(t, err, ErrPanelOffline)
	assert.False(t, errors.Is(err, ErrPanelInactive))
	assert.Equal(t, KindPanelOffline, KindOf(err))
	assert.Contains(t, err.Error(), "plan_id: plan-1")
	assert.Contains(t, err.Error(), "panel: p1 P1")
}

func TestProvisioningError_IsConfiguration(t *testing.T) {
	assert.True(t, (&ProvisioningError{Kind: KindPanelMisconfigured}).IsConfiguration())
	assert.True(t, (&ProvisioningError{Kind: KindNoPanelAssigned}).IsConfiguration())
	assert.False(t, (&ProvisioningError{Kind: KindProvisioningTransportError}).IsConfiguration())
	assert.False(t, (&ProvisioningError{Kind: KindPlanNotFound}).IsConfiguration())
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
}
