// Package config assembles the engine configuration: defaults first, then an
// optional YAML file, then environment overrides, then a loud validation pass
// that refuses to start on an inconsistent catalog.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arbiterlabs/dispatch/internal/breaker"
	"github.com/arbiterlabs/dispatch/internal/middleware"
	"github.com/arbiterlabs/dispatch/internal/observe"
	"github.com/arbiterlabs/dispatch/internal/pressure"
	providersanthropic "github.com/arbiterlabs/dispatch/internal/providers/anthropic"
	providersopenai "github.com/arbiterlabs/dispatch/internal/providers/openai"
	"github.com/arbiterlabs/dispatch/internal/quota"
	"github.com/arbiterlabs/dispatch/internal/ranking"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/security"
	"github.com/arbiterlabs/dispatch/internal/server"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig                           `yaml:"server"`
	Logging   LoggingConfig                          `yaml:"logging"`
	Catalog   registry.Catalog                       `yaml:"catalog"`
	Quota     quota.Allocations                      `yaml:"quota"`
	Pressure  map[types.PlanTier]pressure.Thresholds `yaml:"pressure"`
	Ceilings  ranking.CostCeilings                   `yaml:"ceilings"`
	Breaker   BreakerConfig                          `yaml:"breaker"`
	Observe   observe.Config                         `yaml:"observe"`
	Providers ProvidersConfig                        `yaml:"providers"`
	Security  SecurityConfig                         `yaml:"security"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ProvidersConfig holds per-family executor configuration.
type ProvidersConfig struct {
	OpenAI    *providersopenai.Config    `yaml:"openai"`
	Anthropic *providersanthropic.Config `yaml:"anthropic"`
}

// SecurityConfig holds auth, rate limiting and request validation settings.
type SecurityConfig struct {
	Auth       security.Config             `yaml:"auth"`
	RateLimit  middleware.RateLimitConfig  `yaml:"rate_limit"`
	Validation middleware.ValidationConfig `yaml:"validation"`
}

// Load builds the configuration from defaults, an optional file, and the
// environment, then validates it.
func Load(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	c.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}

	c.Catalog = defaultCatalog()
	c.Quota = defaultAllocations()
	c.Pressure = pressure.DefaultThresholds()
	c.Ceilings = ranking.DefaultCeilings()
	c.Breaker = BreakerConfig{
		FailureThreshold: breaker.DefaultThreshold,
		Cooldown:         breaker.DefaultCooldown,
	}
	c.Observe = observe.Config{BufferSize: 1000, FlushInterval: 10 * time.Second}

	c.Providers = ProvidersConfig{
		OpenAI:    &providersopenai.Config{Timeout: 120 * time.Second},
		Anthropic: &providersanthropic.Config{Timeout: 120 * time.Second},
	}
	c.Security = SecurityConfig{
		Auth: security.Config{RequireAuth: false, JWTExpiry: 24 * time.Hour},
		RateLimit: middleware.RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Validation: middleware.ValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
	}
}

// defaultCatalog is the shipped provider table. Costs are milli-dollars per
// 1K tokens blended across input and output.
func defaultCatalog() registry.Catalog {
	return registry.Catalog{
		Providers: []registry.ProviderDescriptor{
			{
				ID: "openai-gpt4o", DisplayName: "OpenAI GPT-4o",
				Family: "openai", Model: "gpt-4o", CheaperSibling: "openai-gpt4o-mini",
				CostPerUnit: 7.5, Quality: 0.93, Latency: 0.70, Reliability: 0.95, Priority: 4,
				Specialization: registry.Specialization{Code: 0.90, Business: 0.85, Writing: 0.85, Reasoning: 0.90},
			},
			{
				ID: "openai-gpt4o-mini", DisplayName: "OpenAI GPT-4o mini",
				Family: "openai", Model: "gpt-4o-mini",
				CostPerUnit: 0.35, Quality: 0.72, Latency: 0.92, Reliability: 0.96, Priority: 1,
				Specialization: registry.Specialization{Code: 0.70, Business: 0.65, Writing: 0.70, Reasoning: 0.65},
			},
			{
				ID: "openai-gpt35", DisplayName: "OpenAI GPT-3.5 Turbo",
				Family: "openai", Model: "gpt-3.5-turbo",
				CostPerUnit: 1.75, Quality: 0.60, Latency: 0.88, Reliability: 0.93, Priority: 3,
				Specialization: registry.Specialization{Code: 0.55, Business: 0.55, Writing: 0.60, Reasoning: 0.50},
			},
			{
				ID: "anthropic-sonnet", DisplayName: "Anthropic Claude Sonnet",
				Family: "anthropic", Model: "claude-3-5-sonnet-20241022", CheaperSibling: "anthropic-haiku",
				CostPerUnit: 9.0, Quality: 0.95, Latency: 0.65, Reliability: 0.94, Priority: 5,
				Specialization: registry.Specialization{Code: 0.95, Business: 0.80, Writing: 0.92, Reasoning: 0.95},
			},
			{
				ID: "anthropic-haiku", DisplayName: "Anthropic Claude Haiku",
				Family: "anthropic", Model: "claude-3-haiku-20240307",
				CostPerUnit: 0.65, Quality: 0.68, Latency: 0.94, Reliability: 0.95, Priority: 2,
				Specialization: registry.Specialization{Code: 0.65, Business: 0.60, Writing: 0.70, Reasoning: 0.60},
			},
		},
		Access: registry.PlanAccess{
			types.PlanFree: {
				"default": {"openai-gpt4o-mini", "anthropic-haiku"},
			},
			types.PlanStarter: {
				"default": {"openai-gpt4o-mini", "anthropic-haiku", "openai-gpt35"},
			},
			types.PlanPro: {
				"default": {"openai-gpt4o", "openai-gpt4o-mini", "openai-gpt35", "anthropic-sonnet", "anthropic-haiku"},
				"eu":      {"openai-gpt4o", "openai-gpt4o-mini", "anthropic-sonnet", "anthropic-haiku"},
			},
			types.PlanBusiness: {
				"default": {"openai-gpt4o", "openai-gpt4o-mini", "openai-gpt35", "anthropic-sonnet", "anthropic-haiku"},
				"eu":      {"openai-gpt4o", "openai-gpt4o-mini", "anthropic-sonnet", "anthropic-haiku"},
			},
			types.PlanUnlimited: {
				"default": {"openai-gpt4o", "openai-gpt4o-mini", "openai-gpt35", "anthropic-sonnet", "anthropic-haiku"},
			},
		},
		UltimateDefault: "openai-gpt4o-mini",
		SafeDefaults: map[types.PlanTier]string{
			types.PlanFree:      "openai-gpt4o-mini",
			types.PlanStarter:   "openai-gpt4o-mini",
			types.PlanPro:       "anthropic-haiku",
			types.PlanBusiness:  "openai-gpt4o",
			types.PlanUnlimited: "openai-gpt4o",
		},
	}
}

// defaultAllocations is the monthly token quota table per plan and provider.
func defaultAllocations() quota.Allocations {
	return quota.Allocations{
		types.PlanFree: {
			"openai-gpt4o-mini": 200_000,
			"anthropic-haiku":   100_000,
		},
		types.PlanStarter: {
			"openai-gpt4o-mini": 1_000_000,
			"anthropic-haiku":   500_000,
			"openai-gpt35":      500_000,
		},
		types.PlanPro: {
			"openai-gpt4o":      2_000_000,
			"openai-gpt4o-mini": 10_000_000,
			"openai-gpt35":      5_000_000,
			"anthropic-sonnet":  2_000_000,
			"anthropic-haiku":   10_000_000,
		},
		types.PlanBusiness: {
			"openai-gpt4o":      20_000_000,
			"openai-gpt4o-mini": 100_000_000,
			"openai-gpt35":      50_000_000,
			"anthropic-sonnet":  20_000_000,
			"anthropic-haiku":   100_000_000,
		},
		types.PlanUnlimited: {
			"openai-gpt4o":      1_000_000_000,
			"openai-gpt4o-mini": 1_000_000_000,
			"openai-gpt35":      1_000_000_000,
			"anthropic-sonnet":  1_000_000_000,
			"anthropic-haiku":   1_000_000_000,
		},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("DISPATCH_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("DISPATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("DISPATCH_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if secret := os.Getenv("DISPATCH_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
	}
	if v := os.Getenv("DISPATCH_REQUIRE_AUTH"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Security.Auth.RequireAuth = parsed
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Providers.OpenAI != nil {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Providers.Anthropic != nil {
		c.Providers.Anthropic.APIKey = key
	}
}

// validate checks structural settings, then dry-builds the registry and
// ledger so catalog inconsistencies abort startup instead of surfacing on
// the first request.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	for plan, t := range c.Pressure {
		if !plan.Valid() {
			return fmt.Errorf("pressure thresholds: unknown plan %s", plan)
		}
		if !t.Ascending() {
			return fmt.Errorf("pressure thresholds for plan %s are not ascending", plan)
		}
	}

	if c.Ceilings.Cheap <= 0 || c.Ceilings.Medium < c.Ceilings.Cheap || c.Ceilings.Expensive < c.Ceilings.Medium {
		return fmt.Errorf("cost ceilings must be positive and ascending")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	reg, err := registry.New(c.Catalog, discard)
	if err != nil {
		return fmt.Errorf("provider catalog: %w", err)
	}
	ledger, err := quota.NewLedger(c.Quota, discard)
	if err != nil {
		return fmt.Errorf("quota allocations: %w", err)
	}
	if err := ledger.ValidateCoverage(reg); err != nil {
		return fmt.Errorf("quota coverage: %w", err)
	}

	families := make(map[string]bool)
	for _, p := range c.Catalog.Providers {
		families[p.Family] = true
	}
	if families["openai"] && (c.Providers.OpenAI == nil || c.Providers.OpenAI.APIKey == "") {
		return fmt.Errorf("catalog references openai providers but no OpenAI API key is configured")
	}
	if families["anthropic"] && (c.Providers.Anthropic == nil || c.Providers.Anthropic.APIKey == "") {
		return fmt.Errorf("catalog references anthropic providers but no Anthropic API key is configured")
	}

	if c.Security.Auth.RequireAuth && len(c.Security.Auth.APIKeys) == 0 && len(c.Security.Auth.OperatorAPIKeys) == 0 && c.Security.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is required but no API keys or JWT secret are configured")
	}

	return nil
}

// ToServerConfig converts to the server package's config type.
func (c *Config) ToServerConfig() *server.Config {
	auth := c.Security.Auth
	rateLimit := c.Security.RateLimit
	validation := c.Security.Validation
	return &server.Config{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Auth:           &auth,
		Validation:     &validation,
		RateLimit:      &rateLimit,
	}
}
