package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hydra/internal/apps"
)

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the application targets this binary can serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := apps.NewRegistry(1)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tADAPTER")
			for _, target := range reg.Targets() {
				kind, _ := reg.Kind(target)
				fmt.Fprintf(tw, "%s\t%s\n", target, kind)
			}
			return tw.Flush()
		},
	}
}
