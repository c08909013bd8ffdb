package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run periodic jobs by hand",
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run one job once (evaluate-policies, cleanup-expired)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
			if err := core.Jobs.RunOnce(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s done\n", args[0])
			return nil
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
			for _, name := range core.Jobs.Names() {
				fmt.Println(name)
			}
			return nil
		})
	},
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}
