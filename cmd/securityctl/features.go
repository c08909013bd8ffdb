package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Inspect tenant features",
}

var featuresShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Print the effective feature set of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
			set, err := core.Resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(set.Keys(), "\n"))
			return nil
		})
	},
}

var featuresInvalidateCmd = &cobra.Command{
	Use:   "invalidate <tenant-id>",
	Short: "Drop cached feature sets for a tenant on every securityd instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
			if core.Bus == nil {
				return fmt.Errorf("redis.addr is not configured; nothing to broadcast to")
			}
			if err := core.Bus.Publish(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("invalidated %s\n", args[0])
			return nil
		})
	},
}

func init() {
	featuresCmd.AddCommand(featuresShowCmd)
	featuresCmd.AddCommand(featuresInvalidateCmd)
	rootCmd.AddCommand(featuresCmd)
}
