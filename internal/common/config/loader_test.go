package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
model_server:
  management_url: http://localhost:8081
  inference_url: http://localhost:8080
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "workflow-manager", cfg.App.Name)
	assert.Equal(t, 4, cfg.Orchestrator.PoolSize)
	assert.Equal(t, 120, cfg.Orchestrator.ResponseTimeout)
	assert.Equal(t, 3, cfg.ModelServer.MaxRetries)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "workflows", cfg.Database.Redis.KeyPrefix)
	assert.NotEmpty(t, cfg.WorkflowStore.AllowedURLs)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_MGMT_URL", "http://ts:8081")
	path := writeConfig(t, `
model_server:
  management_url: ${TEST_MGMT_URL}
  inference_url: http://ts:8080
orchestrator:
  pool_size: 8
  synchronous: true
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://ts:8081", cfg.ModelServer.ManagementURL)
	assert.Equal(t, 8, cfg.Orchestrator.PoolSize)
	assert.True(t, cfg.Orchestrator.Synchronous)
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing management url",
			body:    "model_server:\n  inference_url: http://x\n",
			wantErr: "model_server.management_url is required",
		},
		{
			name: "postgres enabled without host",
			body: `
model_server:
  management_url: http://x
  inference_url: http://y
database:
  postgres:
    enabled: true
`,
			wantErr: "database.postgres.host is required",
		},
		{
			name: "bad allowed url pattern",
			body: `
model_server:
  management_url: http://x
  inference_url: http://y
workflow_store:
  allowed_urls: ["(("]
`,
			wantErr: "workflow_store.allowed_urls",
		},
		{
			name: "unknown exporter",
			body: `
model_server:
  management_url: http://x
  inference_url: http://y
tracing:
  exporter: zipkin
`,
			wantErr: "tracing.exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, GetDuration(1500))
}
