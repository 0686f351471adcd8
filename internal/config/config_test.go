package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/steward/examples"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "secrets:\n  key: test-key\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("Agent.MaxIterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.TaskTTL != 14*24*time.Hour {
		t.Errorf("Agent.TaskTTL = %v, want 336h", cfg.Agent.TaskTTL)
	}
	if cfg.Email.IMAP.Port != 993 || !cfg.Email.IMAP.TLS {
		t.Errorf("IMAP = %+v, want port 993 with TLS", cfg.Email.IMAP)
	}
	if cfg.Email.SMTP.Port != 587 || !cfg.Email.SMTP.StartTLS {
		t.Errorf("SMTP = %+v, want port 587 with STARTTLS", cfg.Email.SMTP)
	}
	if cfg.Embeddings.BaseURL != cfg.Models.OllamaURL {
		t.Errorf("Embeddings.BaseURL = %q, want %q", cfg.Embeddings.BaseURL, cfg.Models.OllamaURL)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("STEWARD_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "secrets:\n  key: x\nanthropic:\n  api_key: ${STEWARD_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("Anthropic.APIKey = %q, want %q", cfg.Anthropic.APIKey, "sk-from-env")
	}
	if !cfg.Anthropic.Configured() {
		t.Error("Anthropic.Configured() = false, want true")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("STEWARD_SECRET_KEY", "example-secret")
	cfg, err := Load(writeConfig(t, string(examples.ConfigYAML)))
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if cfg.Agent.TaskTTL != 14*24*time.Hour {
		t.Errorf("Agent.TaskTTL = %v", cfg.Agent.TaskTTL)
	}
	if cfg.Email.Auth != "oauthbearer" || !cfg.Email.Configured() {
		t.Errorf("Email = %+v", cfg.Email)
	}
	if cfg.MQTT.Configured() || cfg.CRM.Configured() {
		t.Error("example leaves mqtt and crm unconfigured")
	}
	if p := cfg.Pricing["gpt-4o"]; p.InputPerMillion != 2.5 || p.OutputPerMillion != 10 {
		t.Errorf("Pricing[gpt-4o] = %+v", p)
	}
}

func TestLoad_SMTPImplicitTLS(t *testing.T) {
	path := writeConfig(t, "secrets:\n  key: x\nemail:\n  smtp:\n    host: smtp.example.com\n    port: 465\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Email.SMTP.StartTLS {
		t.Error("SMTP.StartTLS = true on port 465, want false")
	}
	if !cfg.Email.Configured() {
		t.Error("Email.Configured() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Secrets.Key = "" }, "secrets.key"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad provider", func(c *Config) {
			c.Models.Available = []ModelConfig{{Name: "m", Provider: "acme"}}
		}, "unknown provider"},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "max_iterations"},
		{"bad email auth", func(c *Config) { c.Email.Auth = "kerberos" }, "email.auth"},
		{"bad calendar auth", func(c *Config) { c.Calendar.Auth = "digest" }, "calendar.auth"},
		{"bad timezone", func(c *Config) { c.Calendar.Timezone = "Mars/Olympus" }, "calendar.timezone"},
		{"inverted day", func(c *Config) { c.Calendar.DayStart, c.Calendar.DayEnd = 18, 8 }, "day window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Secrets.Key = "k"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel(\"verbose\") should error")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level altered: %v", b.Value)
	}
}
