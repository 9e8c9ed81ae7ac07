package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "TETHER"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, if present, over the defaults and applies
// TETHER_* environment overrides (TETHER_CATALOG_ROOT, TETHER_GATEWAY_PORT, ...).
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "" {
				v.SetConfigType("yaml")
			}
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	// Slices decode element-wise onto existing values; a file that lists
	// profiles replaces the defaults instead of merging into them.
	if v.IsSet("models.profiles") {
		cfg.Models.Profiles = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".tether")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "tether.log")
	}

	// Relative catalog roots resolve against the config file's directory.
	if configPath != "" && !filepath.IsAbs(cfg.Catalog.Root) && v.ConfigFileUsed() != "" {
		cfg.Catalog.Root = filepath.Join(filepath.Dir(configPath), cfg.Catalog.Root)
	}

	return cfg, nil
}

// setDefaults registers scalar keys so AutomaticEnv can override them even
// when the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("catalog.root", cfg.Catalog.Root)
	v.SetDefault("catalog.watch", cfg.Catalog.Watch)
	v.SetDefault("catalog.refresh_schedule", cfg.Catalog.RefreshSchedule)
	v.SetDefault("catalog.stability_ms", cfg.Catalog.StabilityMs)
	v.SetDefault("models.default", cfg.Models.Default)
	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.max_output_bytes", cfg.Tools.MaxOutputBytes)
	v.SetDefault("tools.result_cache_ttl_seconds", cfg.Tools.ResultCacheTTLSeconds)
	v.SetDefault("tools.forecast_url", cfg.Tools.ForecastURL)
	v.SetDefault("tools.geocode_url", cfg.Tools.GeocodeURL)
	v.SetDefault("session.busy_policy", cfg.Session.BusyPolicy)
	v.SetDefault("session.max_tool_rounds", cfg.Session.MaxToolRounds)
	v.SetDefault("session.default_agent", cfg.Session.DefaultAgent)
	v.SetDefault("session.idle_timeout_minutes", cfg.Session.IdleTimeoutMinutes)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("data_dir", cfg.DataDir)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tether", "tether.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
