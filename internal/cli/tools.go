package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ap, err := root.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = ap.Close(cmd.Context()) }()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSANDBOX\tTIMEOUT\tACTIVE\tDESCRIPTION")
			for _, t := range ap.Tools().List() {
				timeout := "-"
				if t.DefaultTimeout > 0 {
					timeout = t.DefaultTimeout.String()
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%t\t%s\n", t.Name, t.RequiresSandbox, timeout, t.Active, t.Description)
			}
			return tw.Flush()
		},
	}
}
