package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

func TestDecodePanelLists(t *testing.T) {
	p := &models.Panel{ID: "p1"}
	err := decodePanelLists(p,
		[]byte(`[{"id":3,"tag":"VLESS TCP","protocol":"vless"},{"id":1}]`),
		[]byte(`["vless","trojan"]`))
	require.NoError(t, err)

	assert.Equal(t, []models.Inbound{{ID: 3, Tag: "VLESS TCP", Protocol: "vless"}, {ID: 1}}, p.DefaultInbounds)
	assert.Equal(t, []string{"vless", "trojan"}, p.EnabledProtocols)
}

func TestDecodePanelLists_EmptyColumns(t *testing.T) {
	p := &models.Panel{ID: "p1"}
	require.NoError(t, decodePanelLists(p, nil, []byte{}))
	assert.Empty(t, p.DefaultInbounds)
	assert.Empty(t, p.EnabledProtocols)
}

func TestDecodePanelLists_Malformed(t *testing.T) {
	err := decodePanelLists(&models.Panel{ID: "p1"}, []byte(`{"oops"`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_inbounds for panel p1")
}

func TestJoinedPanel_NoPanel(t *testing.T) {
	jp := &joinedPanel{}
	p, err := jp.toPanel()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestJoinedPanel_ToPanel(t *testing.T) {
	id, name, typ, url := "0b6d0c1e-3a55-4d1f-9f0e-6c2b1f3f7a10", "Pro", "marzneshin", "https://pro.example.com"
	active := true
	jp := &joinedPanel{
		ID: &id, Name: &name, Type: &typ, URL: &url, IsActive: &active,
		Inbounds: []byte(`[{"id":7}]`),
	}

	p, err := jp.toPanel()
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "marzneshin", p.Type)
	assert.True(t, p.IsActive)
	assert.Empty(t, p.HealthStatus)
	assert.Equal(t, []models.Inbound{{ID: 7}}, p.DefaultInbounds)
}

func TestNullableUUID(t *testing.T) {
	assert.Nil(t, nullableUUID(""))
	assert.Nil(t, nullableUUID("lite"))
	assert.Equal(t, "0b6d0c1e-3a55-4d1f-9f0e-6c2b1f3f7a10", nullableUUID("0b6d0c1e-3a55-4d1f-9f0e-6c2b1f3f7a10"))
}
