package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
	"canteiro.app/internal/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage detection policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	RunE:  runPoliciesList,
}

var policiesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all policies as YAML to stdout",
	RunE:  runPoliciesExport,
}

var policiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update policies from a YAML file, matching by name",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoliciesImport,
}

var policiesDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Install or refresh the built-in policies",
	RunE:  runPoliciesDefaults,
}

var policiesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPolicyEnabled(cmd, args[0], false)
	},
}

var policiesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPolicyEnabled(cmd, args[0], true)
	},
}

func init() {
	policiesCmd.AddCommand(policiesListCmd)
	policiesCmd.AddCommand(policiesExportCmd)
	policiesCmd.AddCommand(policiesImportCmd)
	policiesCmd.AddCommand(policiesDefaultsCmd)
	policiesCmd.AddCommand(policiesEnableCmd)
	policiesCmd.AddCommand(policiesDisableCmd)
	rootCmd.AddCommand(policiesCmd)
}

func runPoliciesList(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		list, err := core.Policies.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tEVENT\tTHRESHOLD\tWINDOW\tGROUPING\tACTION")
		for _, p := range list {
			action := string(p.ActionType)
			if action == "" {
				action = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\t%s\t%s\n",
				p.ID, p.Name, p.Enabled, p.EventType, p.Threshold, p.Window(), p.Grouping, action)
		}
		return w.Flush()
	})
}

func runPoliciesExport(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		list, err := core.Policies.List(ctx)
		if err != nil {
			return err
		}
		return policy.EncodeYAML(os.Stdout, list)
	})
}

func runPoliciesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	list, err := policy.DecodeYAML(data)
	if err != nil {
		return err
	}
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		return upsertPolicies(ctx, core, list)
	})
}

func runPoliciesDefaults(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		return upsertPolicies(ctx, core, policy.DefaultPolicies())
	})
}

func upsertPolicies(ctx context.Context, core *app.Core, list []policy.Policy) error {
	for _, p := range list {
		saved, created, err := core.Policies.Upsert(ctx, p)
		if err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
		verb := "updated"
		if created {
			verb = "created"
		}
		fmt.Printf("%s %s (%s)\n", verb, saved.Name, saved.ID)
	}
	return nil
}

func setPolicyEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
		p, err := core.Policies.SetEnabled(ctx, id, enabled)
		if err != nil {
			return err
		}
		fmt.Printf("%s enabled=%t\n", p.Name, p.Enabled)
		return nil
	})
}
