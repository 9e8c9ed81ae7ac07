package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/tether/internal/logger"
)

// Config represents the main tether configuration
type Config struct {
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`
	Models  ModelsConfig  `json:"models" mapstructure:"models"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Session SessionConfig `json:"session" mapstructure:"session"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// DataDir holds the log file and the audit log.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// CatalogConfig locates the agent definition tree and controls reloads.
type CatalogConfig struct {
	Root            string `json:"root" mapstructure:"root"`
	Watch           bool   `json:"watch" mapstructure:"watch"`
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"` // cron spec, empty disables
	StabilityMs     int    `json:"stability_ms" mapstructure:"stability_ms"`         // watcher debounce
}

// ModelsConfig maps model ids to provider profiles.
type ModelsConfig struct {
	Default  string            `json:"default" mapstructure:"default"`
	Aliases  map[string]string `json:"aliases" mapstructure:"aliases"`
	Profiles []ModelProfile    `json:"profiles" mapstructure:"profiles"`
}

// ModelProfile binds model ids with one of Prefixes to a provider.
type ModelProfile struct {
	ID        string   `json:"id" mapstructure:"id"`
	Provider  string   `json:"provider" mapstructure:"provider"` // anthropic, openai, echo
	APIKey    string   `json:"api_key" mapstructure:"api_key"`
	BaseURL   string   `json:"base_url" mapstructure:"base_url"`
	Prefixes  []string `json:"prefixes" mapstructure:"prefixes"`
	MaxTokens int      `json:"max_tokens" mapstructure:"max_tokens"`
}

// ToolsConfig holds tool execution limits
type ToolsConfig struct {
	TimeoutSeconds        int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes        int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	ResultCacheTTLSeconds int `json:"result_cache_ttl_seconds" mapstructure:"result_cache_ttl_seconds"`
	// ForecastURL is the Open-Meteo compatible endpoint for the forecast tool.
	ForecastURL string `json:"forecast_url" mapstructure:"forecast_url"`
	// GeocodeURL resolves place names for the forecast tool.
	GeocodeURL string `json:"geocode_url" mapstructure:"geocode_url"`
}

// SessionConfig holds per-session runtime settings
type SessionConfig struct {
	BusyPolicy    string `json:"busy_policy" mapstructure:"busy_policy"`
	MaxToolRounds int    `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	DefaultAgent  string `json:"default_agent" mapstructure:"default_agent"`
	// IdleTimeoutMinutes closes sessions with no activity. Zero disables.
	IdleTimeoutMinutes int `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
	// SharedSecret enables HMAC challenge auth on /ws and the X-Tether-Secret
	// header on HTTP endpoints. Empty disables auth.
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// BusyPolicyReject rejects a message that arrives while a turn is in flight.
const BusyPolicyReject = "reject"

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Root:        "agents",
			Watch:       true,
			StabilityMs: 250,
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5",
			Aliases: map[string]string{
				"sonnet": "claude-sonnet-4-5",
				"haiku":  "claude-haiku-4-5",
				"gpt":    "gpt-4o",
			},
			Profiles: []ModelProfile{
				{ID: "anthropic", Provider: "anthropic", Prefixes: []string{"claude-"}, MaxTokens: 4096},
				{ID: "openai", Provider: "openai", Prefixes: []string{"gpt-", "o1", "o3", "o4"}, MaxTokens: 4096},
				{ID: "echo", Provider: "echo", Prefixes: []string{"echo"}},
			},
		},
		Tools: ToolsConfig{
			TimeoutSeconds:        30,
			MaxOutputBytes:        10 * 1024,
			ResultCacheTTLSeconds: 60,
			ForecastURL:           "https://api.open-meteo.com",
			GeocodeURL:            "https://geocoding-api.open-meteo.com",
		},
		Session: SessionConfig{
			BusyPolicy:         BusyPolicyReject,
			MaxToolRounds:      10,
			DefaultAgent:       "default",
			IdleTimeoutMinutes: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			RequestsPerMinute: 120,
		},
		Tracing: TracingConfig{
			ServiceName: "tether",
		},
	}
}

// Logger converts the logging section into a logger configuration.
func (c LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:     c.Level,
		File:      c.File,
		Console:   c.Console,
		Pretty:    c.Pretty,
		Redaction: c.Redaction,
		MaxSize:   c.MaxSize,
		MaxAge:    c.MaxAge,
		Compress:  c.Compress,
	}
}

func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ToolsConfig) ResultCacheTTL() time.Duration {
	return time.Duration(c.ResultCacheTTLSeconds) * time.Second
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c CatalogConfig) Stability() time.Duration {
	return time.Duration(c.StabilityMs) * time.Millisecond
}

// Address returns host:port for the gateway listener.
func (c GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a JSON representation of the config with API keys masked.
func (c *Config) String() string {
	masked := *c
	masked.Models.Profiles = make([]ModelProfile, len(c.Models.Profiles))
	for i, p := range c.Models.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Models.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the invariants the runtime relies on. Use Validator for
// a full report.
func (c *Config) Validate() error {
	if c.Catalog.Root == "" {
		return fmt.Errorf("catalog.root is required")
	}
	if c.Session.BusyPolicy != BusyPolicyReject {
		return fmt.Errorf("session.busy_policy %q is not supported (must be %q)", c.Session.BusyPolicy, BusyPolicyReject)
	}
	if c.Session.MaxToolRounds <= 0 {
		return fmt.Errorf("session.max_tool_rounds must be positive")
	}
	if len(c.Models.Profiles) == 0 {
		return fmt.Errorf("at least one model profile is required")
	}
	for i, p := range c.Models.Profiles {
		if p.ID == "" {
			return fmt.Errorf("model profile %d: id is required", i)
		}
		if !knownProvider(p.Provider) {
			return fmt.Errorf("model profile %s: invalid provider %q (must be one of: %s)", p.ID, p.Provider, providerList())
		}
	}
	return nil
}
