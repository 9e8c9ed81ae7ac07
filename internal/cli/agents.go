package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/tether/pkg/catalog"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent catalog",
}

var agentsListCmd = &cobra.Command{
	Use:   "list [root]",
	Short: "List the agents a catalog directory defines",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgentsList,
}

var agentsValidateCmd = &cobra.Command{
	Use:   "validate [root]",
	Short: "Check every definition file and report the ones that would be skipped",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgentsValidate,
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsValidateCmd)
	rootCmd.AddCommand(agentsCmd)
}

func loadIndex(cmd *cobra.Command, args []string) (*catalog.Index, error) {
	root := ""
	if len(args) > 0 {
		root = args[0]
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		root = cfg.Catalog.Root
	}
	return catalog.Load(context.Background(), root)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	idx, err := loadIndex(cmd, args)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tMODEL\tTOOLS")
	for _, def := range idx.Definitions() {
		tools := strings.Join(def.Tools, ",")
		if tools == "" {
			tools = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.ID, def.DisplayName(), def.Version, def.Model, tools)
	}
	return w.Flush()
}

func runAgentsValidate(cmd *cobra.Command, args []string) error {
	idx, err := loadIndex(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d agent(s) loaded from %s\n", idx.Len(), idx.Root)
	for _, d := range idx.Diagnostics {
		fmt.Fprintf(out, "  skipped %s: %s\n", d.Path, d.Message)
	}
	if n := len(idx.Diagnostics); n > 0 {
		return fmt.Errorf("%d definition file(s) failed validation", n)
	}
	return nil
}
