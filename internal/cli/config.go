package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/tether/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		errs := config.NewValidator().ValidateConfig(cfg)
		out := cmd.OutOrStdout()
		for _, e := range errs {
			fmt.Fprintf(out, "  %v\n", e)
		}
		if len(errs) > 0 {
			return fmt.Errorf("configuration has %d problem(s)", len(errs))
		}
		fmt.Fprintln(out, "configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
