package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Capability backend
	Provider       string         `yaml:"provider"` // gemini, vertexai, openai, bedrock
	ProviderConfig map[string]any `yaml:"provider_config"`

	// API Keys
	GoogleAPIKey string `yaml:"google_api_key"`
	OpenAIKey    string `yaml:"openai_key"`

	// GCP Configuration (vertexai backend)
	GCPProject  string `yaml:"gcp_project"`
	GCPLocation string `yaml:"gcp_location"`

	// Servers
	APIPort int `yaml:"api_port"`
	OpsPort int `yaml:"ops_port"`

	// Session storage: memory (default) or redis
	SessionBackend string      `yaml:"session_backend"`
	Redis          RedisConfig `yaml:"redis"`

	// Interaction tuning
	DebounceMs      int `yaml:"debounce_ms"`
	FrameDurationMs int `yaml:"frame_duration_ms"`
	SessionTTLMin   int `yaml:"session_ttl_min"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadConfig loads configuration from a YAML file. An empty path loads
// defaults plus environment variables only.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Apply defaults
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.OpsPort == 0 {
		cfg.OpsPort = 9090
	}
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = "memory"
	}
	if cfg.DebounceMs == 0 {
		cfg.DebounceMs = 500
	}
	if cfg.FrameDurationMs == 0 {
		cfg.FrameDurationMs = 500
	}
	if cfg.SessionTTLMin == 0 {
		cfg.SessionTTLMin = 30
	}

	// Load API keys from environment if not in config
	if cfg.GoogleAPIKey == "" {
		cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.GCPProject == "" {
		cfg.GCPProject = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if cfg.GCPLocation == "" {
		cfg.GCPLocation = os.Getenv("GOOGLE_CLOUD_LOCATION")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ProviderSettings merges top-level credential fields into the raw
// provider_config map, so the provider factories see one flat map.
func (c *Config) ProviderSettings() map[string]any {
	settings := make(map[string]any, len(c.ProviderConfig)+4)
	for k, v := range c.ProviderConfig {
		settings[k] = v
	}
	setIfAbsent := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := settings[key]; !ok {
			settings[key] = value
		}
	}
	setIfAbsent("api_key", c.GoogleAPIKey)
	if c.Provider == "openai" {
		setIfAbsent("api_key", c.OpenAIKey)
	}
	setIfAbsent("project_id", c.GCPProject)
	setIfAbsent("location", c.GCPLocation)
	return settings
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Provider {
	case "gemini":
		if c.GoogleAPIKey == "" {
			return fmt.Errorf("google_api_key (or GOOGLE_API_KEY) is required for the gemini provider")
		}
	case "vertexai":
		if c.GCPProject == "" {
			return fmt.Errorf("gcp_project (or GOOGLE_CLOUD_PROJECT) is required for the vertexai provider")
		}
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("openai_key (or OPENAI_API_KEY) is required for the openai provider")
		}
	case "bedrock":
		// Credentials come from the AWS default chain.
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch c.SessionBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr (or REDIS_ADDR) is required for the redis session backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.SessionBackend)
	}

	if c.DebounceMs < 0 || c.FrameDurationMs < 0 || c.SessionTTLMin < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	return nil
}
