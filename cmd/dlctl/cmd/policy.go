package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
)

func PolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Retention policy commands",
	}

	cmd.AddCommand(policyShowCmd())
	return cmd
}

func policyShowCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective retention table",
		Long:  "Prints the table from --file, POLICY_FILE, or the built-in defaults, in that order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = load().PolicyFile
			}

			table := policy.DefaultTable()
			source := "built-in defaults"
			if file != "" {
				var err error
				table, err = policy.LoadTable(file)
				if err != nil {
					return err
				}
				source = file
			}

			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", source)
			return printTable(cmd.OutOrStdout(), table)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML policy file to validate and print")
	return cmd
}

func printTable(out io.Writer, table *policy.Table) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLAN\tKIND\tEXPIRES IN\tGRACE DAYS")
	for _, plan := range table.Plans() {
		for _, kind := range []model.GroupKind{model.GroupKindSnapshot, model.GroupKindLiving} {
			cell, err := table.Cell(plan, kind)
			if err != nil {
				return err
			}
			expires := "never"
			if cell.ExpiresIn != nil {
				expires = fmt.Sprintf("%dd", int(cell.ExpiresIn.Hours()/24))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", plan, kind, expires, cell.GraceDays)
		}
	}
	fmt.Fprintf(w, "(soft deleted without expiry)\t\t\t%d\n", table.FallbackGraceDays())
	return w.Flush()
}
