package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/tether/pkg/tools"
	"github.com/harun/tether/pkg/tools/builtin"
)

var toolsSchema bool

var toolsCmd = &cobra.Command{
	Use:   "tools [name]",
	Short: "List the registered tools or show one tool's parameter schema",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsSchema, "schema", false, "print parameter schemas as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	reg := tools.NewRegistry(zerolog.Nop())
	if err := builtin.Register(reg); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	names := reg.Names()
	if len(args) == 1 {
		if !reg.Has(args[0]) {
			return fmt.Errorf("%w: %s", tools.ErrToolNotFound, args[0])
		}
		names = args
	}
	specs := reg.Specs(names)

	if toolsSchema || len(args) == 1 {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, d := range specs {
		fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Description)
	}
	return w.Flush()
}
