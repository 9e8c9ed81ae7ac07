// Package builtin provides the tools every deployment ships with.
package builtin

import (
	"fmt"

	"github.com/harun/tether/pkg/tools"
)

// Config tunes the built-in tools.
type Config struct {
	Forecast ForecastConfig
}

// Register adds the built-in tools to reg. At most one Config is used.
func Register(reg *tools.Registry, cfg ...Config) error {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	for _, d := range []tools.Descriptor{ClockTool(), ForecastTool(c.Forecast), NotesTool()} {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", d.Name, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
