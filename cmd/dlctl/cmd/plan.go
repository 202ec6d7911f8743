package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/app"
	"github.com/templui/downloadgroups/internal/model"
)

func PlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Tenant subscription plan commands",
	}

	cmd.AddCommand(planGetCmd())
	cmd.AddCommand(planSetCmd())
	return cmd
}

func planGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Print the plan used for a tenant's retention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				plan, err := a.PlanService.PlanFor(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), plan)
				return nil
			})
		},
	}
}

func planSetCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "set <tenant-id> <plan>",
		Short: "Record a tenant's subscription plan",
		Long:  "Only affects groups created afterwards. Existing expiry dates are not recomputed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if _, err := a.Policy.Cell(args[1], model.GroupKindSnapshot); err != nil {
					return err
				}
				err := a.PlanService.Upsert(cmd.Context(), args[0], args[1], status)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s is on %s (%s)\n", args[0], args[1], status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", model.SubscriptionStatusActive, "subscription status")
	return cmd
}
