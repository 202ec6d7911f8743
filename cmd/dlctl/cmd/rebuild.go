package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/app"
)

func RebuildCmd() *cobra.Command {
	var tenantID string
	var inline bool

	cmd := &cobra.Command{
		Use:   "rebuild <group-id>",
		Short: "Re-trigger the archive build of a group",
		Long: "Queues an archive build for a ready group. A failed archive is reset first.\n" +
			"With --inline the build runs in this process instead of on a worker.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return errors.New("--tenant is required")
			}
			groupID := args[0]
			out := cmd.OutOrStdout()

			return withApp(func(a *app.App) error {
				if inline {
					_, build, err := a.GroupService.PrepareArchive(cmd.Context(), tenantID, groupID)
					if err != nil {
						return err
					}
					if !build {
						fmt.Fprintf(out, "group %s needs no build\n", groupID)
						return nil
					}
					err = a.ArchiveService.Build(cmd.Context(), groupID)
					if err != nil {
						return err
					}
					g, err := a.GroupService.Get(cmd.Context(), tenantID, groupID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "group %s archive is %s\n", g.ID, g.ArchiveStatus)
					return nil
				}

				queued, err := a.GroupService.RequestArchive(cmd.Context(), tenantID, groupID)
				if err != nil {
					return err
				}
				if !queued {
					fmt.Fprintf(out, "group %s needs no build\n", groupID)
					return nil
				}
				fmt.Fprintf(out, "queued archive build for group %s\n", groupID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant owning the group")
	cmd.Flags().BoolVar(&inline, "inline", false, "build in this process")
	return cmd
}
