package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/core"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	var executions bool

	cmd := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show the status of a stored plan",
		Long:  `Show a plan's derived status, progress and steps. Plans are only visible across invocations with a persistent store (store.driver: sqlite).`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := root.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = ap.Close(cmd.Context()) }()

			snap, err := ap.GetPlanStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := renderSnapshot(out, snap); err != nil {
				return err
			}
			if !executions {
				return nil
			}

			execs, err := ap.Engine().ListExecutions(cmd.Context(), core.ExecutionFilter{PlanID: snap.PlanID})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tATTEMPT\tSTATUS\tDURATION\tSANDBOX\tERROR")
			for _, e := range execs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
					e.StepID, e.Attempt,
					statusStyle(string(e.Status)).Render(string(e.Status)),
					e.Duration.Round(time.Millisecond), orDash(e.SandboxID), truncate(e.Error, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&executions, "executions", false, "also list every tool attempt")
	return cmd
}
