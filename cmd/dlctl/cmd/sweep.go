package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/app"
)

func SweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass, hard deleting every group that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				result, err := a.CleanupService.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d deleted=%d errors=%d duration=%s\n",
					result.Scanned, result.Deleted, result.Errors, result.Duration)
				return nil
			})
		},
	}
}
