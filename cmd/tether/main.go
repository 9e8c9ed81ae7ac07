// Package main is the tether command.
//
// Run the daemon:
//
//	tether serve --config tether.yaml
//
// Chat with an agent without provider credentials:
//
//	tether chat --offline --agent weather
//
// Settings can be overridden with TETHER_* environment variables, for
// example TETHER_GATEWAY_PORT or TETHER_CATALOG_ROOT. Provider SDKs read
// ANTHROPIC_API_KEY and OPENAI_API_KEY when a profile sets no api_key.
package main

import (
	"os"

	"github.com/harun/tether/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
