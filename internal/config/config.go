package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. The GitHub block is consumed by the
// integration engine; it is not owned by it.
type Config struct {
	Addr   string       `yaml:"addr"`
	DBPath string       `yaml:"db_path"`
	GitHub GitHubConfig `yaml:"github"`
}

// GitHubConfig holds GitHub App and OAuth credentials.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	PrivateKeyPath string `yaml:"private_key_path"`
	WebhookSecret  string `yaml:"webhook_secret"`

	// APIBaseURL overrides the GitHub API endpoint (mock servers in tests).
	APIBaseURL string `yaml:"api_base_url"`
	// OAuthBaseURL overrides the OAuth token endpoint host.
	OAuthBaseURL string `yaml:"oauth_base_url"`
}

const defaultAddr = "127.0.0.1:7740"

// DefaultPath returns the default config file path (~/.vernite/vernite.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vernite", "vernite.yaml")
}

// Load reads and parses a config file at the given path, then applies
// environment variable overrides (VERNITE_ADDR, VERNITE_DB_PATH,
// GITHUB_APP_ID, GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET,
// GITHUB_PRIVATE_KEY_PATH, GITHUB_WEBHOOK_SECRET).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(path), "vernite.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VERNITE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("VERNITE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("GITHUB_APP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHub.AppID = id
		}
	}
	if v := os.Getenv("GITHUB_CLIENT_ID"); v != "" {
		c.GitHub.ClientID = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		c.GitHub.ClientSecret = v
	}
	if v := os.Getenv("GITHUB_PRIVATE_KEY_PATH"); v != "" {
		c.GitHub.PrivateKeyPath = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
}

func (c *Config) validate() error {
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.ClientID == "" {
		return fmt.Errorf("github.client_id is required")
	}
	if c.GitHub.ClientSecret == "" {
		return fmt.Errorf("github.client_secret is required")
	}
	if c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key_path is required")
	}
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github.webhook_secret is required")
	}
	return nil
}
