package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage AI agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with today's spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		var agents []domain.AgentConfig
		if err := client.do(cmd.Context(), "GET", "/v1/agents", nil, nil, &agents); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), agents)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tBACKEND\tMODEL\tUSAGE\tENABLED\tREASON")
		for _, a := range agents {
			fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%.4f/%.2f\t%t\t%s\n",
				a.ID, a.Provider, a.Interface, orDash(a.Model), a.DailyUsage, a.DailyBudget, a.Enabled, orDash(a.DisableReason))
		}
		return tw.Flush()
	},
}

var agentsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear daily usage and re-enable quota-disabled agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ReEnabled int `json:"re_enabled"`
		}
		if err := client.do(cmd.Context(), "POST", "/v1/agents/reset", nil, nil, &resp); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "usage reset, %d agent(s) re-enabled\n", resp.ReEnabled)
		return nil
	},
}

var agentsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Re-enable an agent disabled by an error or by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent domain.AgentConfig
		if err := client.do(cmd.Context(), "POST", "/v1/agents/"+url.PathEscape(args[0])+"/enable", nil, nil, &agent); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "%s enabled\n", agent.ID)
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsResetCmd, agentsEnableCmd)
	rootCmd.AddCommand(agentsCmd)
}
