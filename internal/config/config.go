// Package config handles loading and validating service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/domain"
)

// EnvPrefix is the prefix of environment overrides, e.g. ITZAM_SERVER_PORT.
const EnvPrefix = "ITZAM_"

// Config is the top-level configuration for the itzam service.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Log        LogConfig                 `koanf:"log"`
	Database   DatabaseConfig            `koanf:"database"`
	Redis      RedisConfig               `koanf:"redis"`
	Providers  map[string]ProviderConfig `koanf:"providers"`
	Models     []ModelConfig             `koanf:"models"`
	Generation GenerationConfig          `koanf:"generation"`
	Auth       AuthConfig                `koanf:"auth"`
	Storage    StorageConfig             `koanf:"storage"`
	Callback   CallbackConfig            `koanf:"callback"`
	Notify     NotifyConfig              `koanf:"notify"`
	Tracing    TracingConfig             `koanf:"tracing"`
	Seed       SeedConfig                `koanf:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig selects the log level and output format ("console" or "json").
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig points at Postgres. An empty DSN runs everything in memory.
type DatabaseConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// RedisConfig enables the provider-key cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	KeyTTL   time.Duration `koanf:"key_ttl"`
}

// ProviderConfig holds the platform credentials for one provider. The map
// key is the provider name used in model tags; Kind defaults to it.
type ProviderConfig struct {
	Kind    string `koanf:"kind"`
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// ModelConfig is one catalog entry. Prices are decimal strings in USD per
// million tokens.
type ModelConfig struct {
	Tag              string `koanf:"tag"`
	Name             string `koanf:"name"`
	ContextWindow    int    `koanf:"context_window"`
	Vision           bool   `koanf:"vision"`
	Reasoning        bool   `koanf:"reasoning"`
	Files            bool   `koanf:"files"`
	InputPerMillion  string `koanf:"input_per_million"`
	OutputPerMillion string `koanf:"output_per_million"`
	Deprecated       bool   `koanf:"deprecated"`
}

// GenerationConfig tunes the run pipeline.
type GenerationConfig struct {
	HistoryWindow   int           `koanf:"history_window"`
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"`
	CloseTimeout    time.Duration `koanf:"close_timeout"`
	MaxOutputTokens int           `koanf:"max_output_tokens"`
}

// AuthConfig holds the HMAC secrets for session cookies and signed events.
type AuthConfig struct {
	SessionSecret string `koanf:"session_secret"`
	EventSecret   string `koanf:"event_secret"`
}

// StorageConfig points at the S3-compatible bucket inline attachments are
// uploaded to. An empty Bucket keeps attachments inline as data URLs.
type StorageConfig struct {
	Bucket        string        `koanf:"bucket"`
	Region        string        `koanf:"region"`
	Endpoint      string        `koanf:"endpoint"`
	AccessKeyID   string        `koanf:"access_key_id"`
	SecretKey     string        `koanf:"secret_key"`
	UsePathStyle  bool          `koanf:"use_path_style"`
	PublicBaseURL string        `koanf:"public_base_url"`
	PresignTTL    time.Duration `koanf:"presign_ttl"`
}

// CallbackConfig bounds webhook delivery.
type CallbackConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// NotifyConfig configures the failure notifier. An empty URL disables it.
type NotifyConfig struct {
	DiscordWebhookURL string        `koanf:"discord_webhook_url"`
	Timeout           time.Duration `koanf:"timeout"`
}

// TracingConfig configures the OTLP/HTTP trace exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// SeedConfig populates the in-memory store when no database is configured,
// so a local instance can serve requests without any setup.
type SeedConfig struct {
	OwnerID      string            `koanf:"owner_id"`
	APIKey       string            `koanf:"api_key"`
	ProviderKeys map[string]string `koanf:"provider_keys"`
	Workflows    []SeedWorkflow    `koanf:"workflows"`
}

// SeedWorkflow is one seeded workflow, owned by SeedConfig.OwnerID.
type SeedWorkflow struct {
	Slug         string   `koanf:"slug"`
	Name         string   `koanf:"name"`
	Prompt       string   `koanf:"prompt"`
	ModelTag     string   `koanf:"model_tag"`
	ContextSlugs []string `koanf:"context_slugs"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, expands ${VAR} placeholders and fills defaults.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// ITZAM_SERVER_READ_TIMEOUT -> server.read_timeout
	// ITZAM_PROVIDERS_OPENAI_API_KEY -> providers.openai.api_key
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.expandSecrets()
	cfg.applyDefaults()

	return &cfg, nil
}

// envKey maps an environment variable onto a koanf path. Only the section
// separator (and, under providers, the provider name) becomes a dot, so
// multi-word keys like read_timeout survive.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	if section == "providers" {
		name, key, ok := strings.Cut(rest, "_")
		if ok {
			return section + "." + name + "." + key
		}
	}
	return section + "." + rest
}

// expand resolves a whole-value ${VAR} placeholder.
func expand(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		p.APIKey = expand(p.APIKey)
		p.BaseURL = expand(p.BaseURL)
		c.Providers[name] = p
	}
	c.Database.DSN = expand(c.Database.DSN)
	c.Redis.Password = expand(c.Redis.Password)
	c.Auth.SessionSecret = expand(c.Auth.SessionSecret)
	c.Auth.EventSecret = expand(c.Auth.EventSecret)
	c.Notify.DiscordWebhookURL = expand(c.Notify.DiscordWebhookURL)
	c.Storage.AccessKeyID = expand(c.Storage.AccessKeyID)
	c.Storage.SecretKey = expand(c.Storage.SecretKey)
	c.Seed.APIKey = expand(c.Seed.APIKey)
	for name, key := range c.Seed.ProviderKeys {
		c.Seed.ProviderKeys[name] = expand(key)
	}
}

func (c *Config) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	def(&c.Server.ReadTimeout, 30*time.Second)
	// Streams can run for minutes.
	def(&c.Server.WriteTimeout, 10*time.Minute)
	def(&c.Server.ShutdownTimeout, 30*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	def(&c.Redis.KeyTTL, 5*time.Minute)

	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = name
			c.Providers[name] = p
		}
	}

	if c.Generation.HistoryWindow <= 0 {
		c.Generation.HistoryWindow = 20
	}
	def(&c.Generation.DispatchTimeout, 5*time.Minute)
	def(&c.Generation.CloseTimeout, 10*time.Second)

	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	def(&c.Storage.PresignTTL, time.Hour)

	def(&c.Callback.Timeout, 30*time.Second)
	def(&c.Notify.Timeout, 5*time.Second)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "itzam"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}

	if c.Seed.OwnerID == "" {
		c.Seed.OwnerID = "local"
	}
}

// Validate reports every missing or malformed field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Auth.SessionSecret == "" {
		errs = append(errs, errors.New("auth.session_secret is required"))
	}
	if c.Auth.EventSecret == "" {
		errs = append(errs, errors.New("auth.event_secret is required"))
	}
	if c.Storage.Bucket != "" && (c.Storage.AccessKeyID == "" || c.Storage.SecretKey == "") {
		errs = append(errs, errors.New("storage.access_key_id and storage.secret_key are required with storage.bucket"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	if c.Database.DSN != "" && (c.Seed.APIKey != "" || len(c.Seed.Workflows) > 0) {
		errs = append(errs, errors.New("seed only applies to the in-memory store; unset database.dsn or remove seed"))
	}
	for i, w := range c.Seed.Workflows {
		if w.Slug == "" || w.ModelTag == "" {
			errs = append(errs, fmt.Errorf("seed.workflows[%d]: slug and model_tag are required", i))
		}
	}

	seen := map[string]bool{}
	for i, m := range c.Models {
		if _, err := m.Model(); err != nil {
			errs = append(errs, fmt.Errorf("models[%d]: %w", i, err))
			continue
		}
		if seen[m.Tag] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate tag %q", i, m.Tag))
		}
		seen[m.Tag] = true
	}

	return errors.Join(errs...)
}

// Model converts the entry into a domain.Model.
func (m ModelConfig) Model() (domain.Model, error) {
	prov, _, ok := domain.SplitTag(m.Tag)
	if !ok {
		return domain.Model{}, fmt.Errorf("tag %q is not provider:model-id", m.Tag)
	}
	in, err := parsePrice(m.InputPerMillion)
	if err != nil {
		return domain.Model{}, fmt.Errorf("input_per_million: %w", err)
	}
	out, err := parsePrice(m.OutputPerMillion)
	if err != nil {
		return domain.Model{}, fmt.Errorf("output_per_million: %w", err)
	}

	name := m.Name
	if name == "" {
		name = m.Tag
	}
	return domain.Model{
		Tag:              m.Tag,
		Name:             name,
		Provider:         prov,
		ContextWindow:    m.ContextWindow,
		Vision:           m.Vision,
		Reasoning:        m.Reasoning,
		Files:            m.Files,
		InputPerMillion:  in,
		OutputPerMillion: out,
		Deprecated:       m.Deprecated,
	}, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", s)
	}
	return d, nil
}

// CatalogModels converts every catalog entry. Call Validate first.
func (c *Config) CatalogModels() ([]domain.Model, error) {
	out := make([]domain.Model, 0, len(c.Models))
	for _, mc := range c.Models {
		m, err := mc.Model()
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", mc.Tag, err)
		}
		out = append(out, m)
	}
	return out, nil
}
