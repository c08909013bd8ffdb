package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
	"canteiro.app/internal/policy"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Review and resolve incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, newest first",
	RunE:  runIncidentsList,
}

var incidentsAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge an open incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionIncident(cmd, args[0], policy.IncidentAcknowledged)
	},
}

var incidentsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionIncident(cmd, args[0], policy.IncidentResolved)
	},
}

func init() {
	incidentsListCmd.Flags().String("status", "", "filter by status (OPEN, ACKNOWLEDGED, RESOLVED)")
	incidentsListCmd.Flags().String("policy", "", "filter by policy id")
	incidentsListCmd.Flags().String("tenant", "", "filter by tenant id")
	incidentsListCmd.Flags().Int("limit", 50, "maximum rows")

	incidentsCmd.AddCommand(incidentsListCmd)
	incidentsCmd.AddCommand(incidentsAckCmd)
	incidentsCmd.AddCommand(incidentsResolveCmd)
	rootCmd.AddCommand(incidentsCmd)
}

func runIncidentsList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	policyID, _ := cmd.Flags().GetString("policy")
	tenantID, _ := cmd.Flags().GetString("tenant")
	limit, _ := cmd.Flags().GetInt("limit")

	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		list, err := core.Policies.ListIncidents(ctx, policy.IncidentFilter{
			Status:   policy.IncidentStatus(status),
			PolicyID: policyID,
			TenantID: tenantID,
			Limit:    limit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tPOLICY\tGROUP\tCREATED\tSUMMARY")
		for _, inc := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				inc.ID, inc.Status, inc.Severity, inc.PolicyID, inc.GroupKey,
				inc.CreatedAt.UTC().Format(time.RFC3339), inc.Summary)
		}
		return w.Flush()
	})
}

func transitionIncident(cmd *cobra.Command, id string, to policy.IncidentStatus) error {
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		inc, err := core.Policies.TransitionIncident(ctx, id, to)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", inc.ID, inc.Status)
		return nil
	})
}
