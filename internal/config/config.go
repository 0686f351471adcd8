// Package config handles Steward configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Steward configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`
	LogFormat  string                  `yaml:"log_format"`
	Models     ModelsConfig            `yaml:"models"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	Anthropic  APIKeyConfig            `yaml:"anthropic"`
	OpenAI     OpenAIConfig            `yaml:"openai"`
	Gemini     APIKeyConfig            `yaml:"gemini"`
	Agent      AgentConfig             `yaml:"agent"`
	Email      EmailConfig             `yaml:"email"`
	Calendar   CalendarConfig          `yaml:"calendar"`
	CRM        CRMConfig               `yaml:"crm"`
	MQTT       MQTTConfig              `yaml:"mqtt"`
	Embeddings EmbeddingsConfig        `yaml:"embeddings"`
	Secrets    SecretsConfig           `yaml:"secrets"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai, gemini
}

// PricingEntry is a model's price in USD per million tokens. Models
// without an entry are treated as free.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// APIKeyConfig holds a provider API key.
type APIKeyConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c APIKeyConfig) Configured() bool { return c.APIKey != "" }

// OpenAIConfig holds OpenAI settings. BaseURL allows any
// chat-completions compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AgentConfig tunes the agent loop and task lifecycle.
type AgentConfig struct {
	// MaxIterations caps LLM calls per chat turn. Default 8.
	MaxIterations int `yaml:"max_iterations"`
	// TaskTTL is how long a task may wait for a reply before the
	// sweeper expires it. Default 336h (14 days).
	TaskTTL time.Duration `yaml:"task_ttl"`
	// SweepInterval is how often expired tasks are swept. Default 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ContextItems is the number of emails and of notes retrieved
	// into a new session's preamble. Default 5.
	ContextItems int `yaml:"context_items"`
}

// EmailConfig holds the mail server settings shared by all users. Per
// user login names and tokens come from the credential store.
type EmailConfig struct {
	IMAP         IMAPConfig    `yaml:"imap"`
	SMTP         SMTPConfig    `yaml:"smtp"`
	Auth         string        `yaml:"auth"` // plain or oauthbearer
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Configured reports whether at least SMTP is set up.
func (c EmailConfig) Configured() bool { return c.SMTP.Host != "" }

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // default 993
	TLS  bool   `yaml:"tls"`
}

// SMTPConfig holds SMTP server connection parameters.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // default 587
	StartTLS bool   `yaml:"starttls"` // default true unless port 465
}

// CalendarConfig points at a CalDAV server.
type CalendarConfig struct {
	URL      string `yaml:"url"`
	Auth     string `yaml:"auth"` // bearer or basic
	Timezone string `yaml:"timezone"`
	DayStart int    `yaml:"day_start"` // hour, default 8
	DayEnd   int    `yaml:"day_end"`   // hour, default 18
}

// Configured reports whether a CalDAV endpoint is set.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// CRMConfig points at a CardDAV server holding the contact book.
type CRMConfig struct {
	URL  string `yaml:"url"`
	Auth string `yaml:"auth"` // bearer or basic
}

// Configured reports whether a CardDAV endpoint is set.
func (c CRMConfig) Configured() bool { return c.URL != "" }

// MQTTConfig configures the inbound event subscriber.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Topic     string `yaml:"topic"`      // default steward/events
	ClientID  string `yaml:"client_id"`  // default steward
	RateLimit int    `yaml:"rate_limit"` // messages per second, default 20
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// EmbeddingsConfig defines embedding generation for context retrieval.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseurl"` // defaults to models.ollama_url
}

// SecretsConfig holds the key used to encrypt provider tokens at rest.
type SecretsConfig struct {
	Key string `yaml:"key"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:8b"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.TaskTTL == 0 {
		c.Agent.TaskTTL = 14 * 24 * time.Hour
	}
	if c.Agent.SweepInterval == 0 {
		c.Agent.SweepInterval = time.Hour
	}
	if c.Agent.ContextItems == 0 {
		c.Agent.ContextItems = 5
	}

	if c.Email.IMAP.Port == 0 {
		c.Email.IMAP.Port = 993
	}
	// TLS unless the plaintext port was chosen explicitly.
	if !c.Email.IMAP.TLS && c.Email.IMAP.Port != 143 {
		c.Email.IMAP.TLS = true
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if !c.Email.SMTP.StartTLS && c.Email.SMTP.Port != 465 {
		c.Email.SMTP.StartTLS = true
	}
	if c.Email.Auth == "" {
		c.Email.Auth = "plain"
	}
	if c.Email.PollInterval == 0 {
		c.Email.PollInterval = 2 * time.Minute
	}

	if c.Calendar.Auth == "" {
		c.Calendar.Auth = "bearer"
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "UTC"
	}
	if c.Calendar.DayStart == 0 {
		c.Calendar.DayStart = 8
	}
	if c.Calendar.DayEnd == 0 {
		c.Calendar.DayEnd = 18
	}
	if c.CRM.Auth == "" {
		c.CRM.Auth = "bearer"
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "steward/events"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "steward"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 20
	}

	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
}

// Validate checks that the configuration is internally consistent and
// returns the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	for i, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai", "gemini":
		default:
			return fmt.Errorf("models.available[%d] (%s): unknown provider %q", i, m.Name, m.Provider)
		}
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing[%s]: prices must not be negative", model)
		}
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.TaskTTL < 0 {
		return fmt.Errorf("agent.task_ttl must not be negative")
	}
	switch c.Email.Auth {
	case "plain", "oauthbearer":
	default:
		return fmt.Errorf("email.auth %q invalid (expected plain or oauthbearer)", c.Email.Auth)
	}
	for name, auth := range map[string]string{"calendar.auth": c.Calendar.Auth, "crm.auth": c.CRM.Auth} {
		if auth != "bearer" && auth != "basic" {
			return fmt.Errorf("%s %q invalid (expected bearer or basic)", name, auth)
		}
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone: %w", err)
	}
	if c.Calendar.DayStart < 0 || c.Calendar.DayEnd > 24 || c.Calendar.DayStart >= c.Calendar.DayEnd {
		return fmt.Errorf("calendar day window %d-%d invalid", c.Calendar.DayStart, c.Calendar.DayEnd)
	}
	if c.Secrets.Key == "" {
		return fmt.Errorf("secrets.key is required (used to encrypt provider tokens)")
	}
	return nil
}
