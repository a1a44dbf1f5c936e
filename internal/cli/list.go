package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/core"
)

func newListCommand(root *rootOptions) *cobra.Command {
	var (
		owner  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored plans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ap, err := root.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = ap.Close(cmd.Context()) }()

			plans, err := ap.ListPlans(cmd.Context(), core.PlanFilter{
				OwnerID: owner,
				Status:  core.PlanStatus(strings.ToUpper(status)),
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(plans) == 0 {
				fmt.Fprintln(out, "No plans.")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN ID\tTITLE\tSTATUS\tPROGRESS\tCREATED")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%3.0f%%\t%s\n",
					p.ID, truncate(p.Title, 40),
					statusStyle(string(p.Status)).Render(string(p.Status)),
					p.Progress()*100, formatAge(p.CreatedAt, now))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only plans of this owner")
	cmd.Flags().StringVar(&status, "status", "", "only plans with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of plans")
	return cmd
}
