package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/dirsync/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "manual", cfg.Sync.Mode)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 3, cfg.Sync.Retries)
	assert.Equal(t, 30, cfg.TTL.RetentionDays)
	assert.Equal(t, 10.0, cfg.Graph.RequestsPerSecond)
}

func TestLoadAzureEnvAliases(t *testing.T) {
	t.Setenv("AZURE_OWN_TENANT_ID", "tenant-123")
	t.Setenv("AZURE_CLIENT_APP_ID", "client-456")
	t.Setenv("AZURE_CLIENT_APP_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tenant-123", cfg.Graph.TenantID)
	assert.Equal(t, "client-456", cfg.Graph.ClientID)
	assert.Equal(t, "s3cret", cfg.Graph.ClientSecret)
	require.NoError(t, cfg.Validate())
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := &Config{Sync: SyncConfig{Mode: "manual"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsConfig(err))
	assert.Contains(t, err.Error(), "graph.tenant_id")
	assert.Contains(t, err.Error(), "graph.client_secret")
}

func TestValidateInvalidMode(t *testing.T) {
	cfg := &Config{
		Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"},
		Sync:  SyncConfig{Mode: "dry-run"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsConfig(err))
}
