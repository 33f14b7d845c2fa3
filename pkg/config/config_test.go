package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 9090, cfg.OpsPort)
	assert.Equal(t, "memory", cfg.SessionBackend)
	assert.Equal(t, 500, cfg.DebounceMs)
	assert.Equal(t, 500, cfg.FrameDurationMs)
	assert.Equal(t, 30, cfg.SessionTTLMin)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
provider: openai
openai_key: sk-test
api_port: 3000
session_backend: redis
redis:
  addr: localhost:6379
debounce_ms: 250
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "sk-test", cfg.OpenAIKey)
	assert.Equal(t, 3000, cfg.APIPort)
	assert.Equal(t, "redis", cfg.SessionBackend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 250, cfg.DebounceMs)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "env-key")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.GoogleAPIKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "gemini without key",
			mutate:  func(c *Config) { c.GoogleAPIKey = "" },
			wantErr: "google_api_key",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "imaginary" },
			wantErr: "unknown provider",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.SessionBackend = "redis"
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.DebounceMs = -1 },
			wantErr: "negative",
		},
		{
			name:    "vertexai without project",
			mutate:  func(c *Config) { c.Provider = "vertexai"; c.GCPProject = "" },
			wantErr: "gcp_project",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Provider:        "gemini",
				GoogleAPIKey:    "key",
				SessionBackend:  "memory",
				APIPort:         8080,
				OpsPort:         9090,
				DebounceMs:      500,
				FrameDurationMs: 500,
				SessionTTLMin:   30,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProviderSettings(t *testing.T) {
	cfg := &Config{
		Provider:     "gemini",
		GoogleAPIKey: "key-123",
		GCPProject:   "proj",
		ProviderConfig: map[string]any{
			"base_url": "http://localhost:9999",
		},
	}

	settings := cfg.ProviderSettings()
	assert.Equal(t, "key-123", settings["api_key"])
	assert.Equal(t, "proj", settings["project_id"])
	assert.Equal(t, "http://localhost:9999", settings["base_url"])

	// Explicit provider_config entries win over top-level fields.
	cfg.ProviderConfig["api_key"] = "override"
	assert.Equal(t, "override", cfg.ProviderSettings()["api_key"])
}
