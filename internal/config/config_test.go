package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vernite.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
addr: "127.0.0.1:9999"
github:
  app_id: 7
  client_id: Iv1.abc
  client_secret: shh
  private_key_path: /keys/app.pem
  webhook_secret: hook-secret
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.GitHub.AppID != 7 || cfg.GitHub.ClientID != "Iv1.abc" {
		t.Errorf("github = %+v", cfg.GitHub)
	}
	// DB path defaults next to the config file.
	if cfg.DBPath != filepath.Join(filepath.Dir(path), "vernite.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestLoadDefaultsAddr(t *testing.T) {
	path := writeConfig(t, strings.Replace(validConfig, `addr: "127.0.0.1:9999"`, "", 1))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("addr = %q, want %q", cfg.Addr, defaultAddr)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	cases := map[string]string{
		"app_id":           strings.Replace(validConfig, "app_id: 7", "", 1),
		"client_secret":    strings.Replace(validConfig, "client_secret: shh", "", 1),
		"webhook_secret":   strings.Replace(validConfig, "webhook_secret: hook-secret", "", 1),
		"private_key_path": strings.Replace(validConfig, "private_key_path: /keys/app.pem", "", 1),
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("config without %s accepted", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VERNITE_ADDR", "0.0.0.0:8000")
	t.Setenv("GITHUB_APP_ID", "99")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "0.0.0.0:8000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.GitHub.AppID != 99 {
		t.Errorf("app id = %d", cfg.GitHub.AppID)
	}
	if cfg.GitHub.WebhookSecret != "env-secret" {
		t.Errorf("webhook secret = %q", cfg.GitHub.WebhookSecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
