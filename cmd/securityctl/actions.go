package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/security"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect and revoke enforcement actions",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enforcement actions, newest first",
	RunE:  runActionsList,
}

var actionsRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an applied action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsRevoke,
}

func init() {
	actionsListCmd.Flags().String("target-type", "", "TENANT_USER, IP or TENANT")
	actionsListCmd.Flags().String("target-id", "", "target id (hashed for IP targets)")
	actionsListCmd.Flags().String("status", "", "APPLIED, REVERTED or EXPIRED")
	actionsListCmd.Flags().Int("limit", 50, "maximum rows")

	actionsRevokeCmd.Flags().String("reason", "", "why the action is revoked")
	actionsRevokeCmd.Flags().String("by", "securityctl", "operator recorded as revoker")

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsRevokeCmd)
	rootCmd.AddCommand(actionsCmd)
}

func runActionsList(cmd *cobra.Command, args []string) error {
	targetType, _ := cmd.Flags().GetString("target-type")
	targetID, _ := cmd.Flags().GetString("target-id")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		list, err := core.Enforcer.ListActions(ctx, enforce.ActionFilter{
			Target: security.Target{Type: security.TargetType(strings.ToUpper(targetType)), ID: targetID},
			Status: enforce.Status(strings.ToUpper(status)),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tTARGET\tSTATUS\tAPPLIED\tEXPIRES\tREASON")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.ActionType, a.Target(), a.Status,
				a.AppliedAt.UTC().Format(time.RFC3339), a.ExpiresAt.UTC().Format(time.RFC3339), a.Reason)
		}
		return w.Flush()
	})
}

func runActionsRevoke(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	by, _ := cmd.Flags().GetString("by")

	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		if _, err := core.Enforcer.RevokeAction(ctx, args[0], reason, by); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", args[0], enforce.StatusReverted)
		return nil
	})
}
