package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/cmd/dlctl/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dlctl",
		Short:         "Operate the download groups engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(cmd.SweepCmd())
	rootCmd.AddCommand(cmd.RebuildCmd())
	rootCmd.AddCommand(cmd.MigrateCmd())
	rootCmd.AddCommand(cmd.PolicyCmd())
	rootCmd.AddCommand(cmd.PlanCmd())
	rootCmd.AddCommand(cmd.QueueCmd())
	rootCmd.AddCommand(cmd.TokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
