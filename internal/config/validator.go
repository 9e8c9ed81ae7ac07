package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var providers = []string{"anthropic", "openai", "echo"}

func knownProvider(p string) bool {
	for _, known := range providers {
		if p == known {
			return true
		}
	}
	return false
}

func providerList() string {
	return strings.Join(providers, ", ")
}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateAPIKey checks the key shape for providers that have one. Empty
// keys are allowed: the provider SDK falls back to its environment variable.
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return nil
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateSchedule validates a catalog refresh cron spec. Empty disables the
// refresher and is valid.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid catalog.refresh_schedule %q: %w", spec, err)
	}
	return nil
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule(cfg.Catalog.RefreshSchedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Catalog.StabilityMs < 0 {
		errs = append(errs, fmt.Errorf("catalog.stability_ms must be >= 0"))
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tools.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}
	if cfg.Tools.ResultCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.result_cache_ttl_seconds must be >= 0"))
	}
	if cfg.Session.IdleTimeoutMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_minutes must be >= 0"))
	}
	for _, endpoint := range []struct{ key, raw string }{
		{"tools.forecast_url", cfg.Tools.ForecastURL},
		{"tools.geocode_url", cfg.Tools.GeocodeURL},
	} {
		if endpoint.raw == "" {
			continue
		}
		if u, err := url.Parse(endpoint.raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an http(s) URL, got %q", endpoint.key, endpoint.raw))
		}
	}
	for i, p := range cfg.Models.Profiles {
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("model profile %d (%s): %w", i, p.ID, err))
		}
	}
	for alias, target := range cfg.Models.Aliases {
		if strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("models.aliases.%s: target is required", alias))
		}
	}

	return errs
}
