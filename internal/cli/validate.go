package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/graph"
)

func newValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan file without running it",
		Long:  `Parse a plan file and run every check plan creation performs: step shape, dependency graph and tool parameters.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}

			ap, err := root.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = ap.Close(cmd.Context()) }()

			p, err := ap.ValidatePlan(cmd.Context(), req)
			if err != nil {
				return err
			}

			g, err := graph.Build(p.Steps)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", titleStyle.Render(p.Title), subtleStyle.Render(fmt.Sprintf("(%d steps, %s)", len(p.Steps), p.FailurePolicy)))
			fmt.Fprintf(out, "order: %s\n", strings.Join(g.TopologicalOrder(), " -> "))
			return nil
		},
	}
}
