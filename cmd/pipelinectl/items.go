package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/spf13/cobra"
)

var (
	enqueueCompany    string
	enqueueSource     string
	enqueueMaxRetries int
	enqueueLegacy     bool
	enqueuePayload    []string

	listType   string
	listStatus string
	listParent string
	listLimit  int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job|company|scrape|source_discovery> [url]",
	Short: "Queue a work item",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"item_type": args[0]}
		if len(args) == 2 {
			body["url"] = args[1]
		}
		if enqueueCompany != "" {
			body["company_name"] = enqueueCompany
		}
		if enqueueSource != "" {
			body["source"] = enqueueSource
		}
		if cmd.Flags().Changed("max-retries") {
			body["max_retries"] = enqueueMaxRetries
		}
		if enqueueLegacy {
			body["legacy"] = true
			body["source"] = "migration"
		}
		if len(enqueuePayload) > 0 {
			payload, err := parsePayload(enqueuePayload)
			if err != nil {
				return err
			}
			body["payload"] = payload
		}

		var item domain.WorkItem
		if err := client.do(cmd.Context(), "POST", "/v1/items", nil, body, &item); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), item)
		}
		printf(cmd.OutOrStdout(), "queued %s (%s)\n", item.ID, item.Type)
		return nil
	},
}

// parsePayload turns key=value pairs into a payload object.
func parsePayload(pairs []string) (map[string]any, error) {
	payload := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("payload entry %q must be key=value", p)
		}
		payload[k] = v
	}
	return payload, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listType != "" {
			q.Set("type", listType)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listParent != "" {
			q.Set("parent", listParent)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}

		var items []domain.WorkItem
		if err := client.do(cmd.Context(), "GET", "/v1/items", q, nil, &items); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), items)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSTEP\tRETRIES\tURL")
		for _, it := range items {
			step := "-"
			if it.SubTask != nil {
				step = string(*it.SubTask)
			} else if it.IsLegacy() {
				step = "legacy"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				it.ID, it.Type, it.Status, step, it.RetryCount, it.MaxRetries, orDash(it.URL))
		}
		return tw.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item domain.WorkItem
		if err := client.do(cmd.Context(), "GET", "/v1/items/"+url.PathEscape(args[0]), nil, nil, &item); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), item)
		}
		out := cmd.OutOrStdout()
		printf(out, "ID:       %s\n", item.ID)
		printf(out, "Type:     %s\n", item.Type)
		printf(out, "Status:   %s\n", item.Status)
		if item.SubTask != nil {
			printf(out, "Step:     %s\n", *item.SubTask)
		}
		printf(out, "Retries:  %d/%d\n", item.RetryCount, item.MaxRetries)
		printf(out, "URL:      %s\n", orDash(item.URL))
		if item.ParentItemID != nil {
			printf(out, "Parent:   %s\n", *item.ParentItemID)
		}
		if item.ResultMessage != "" {
			printf(out, "Result:   %s\n", item.ResultMessage)
		}
		if item.ErrorDetails != "" {
			printf(out, "Error:    %s\n", item.ErrorDetails)
		}
		if len(item.PipelineState) > 0 {
			keys := make([]string, 0, len(item.PipelineState))
			for k := range item.PipelineState {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			printf(out, "Done:     %s\n", strings.Join(keys, ", "))
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item domain.WorkItem
		if err := client.do(cmd.Context(), "POST", "/v1/items/"+url.PathEscape(args[0])+"/cancel", nil, nil, &item); err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "%s %s\n", item.ID, item.Status)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count work items by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"by_status"`
		}
		if err := client.do(cmd.Context(), "GET", "/v1/stats", nil, nil, &stats); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		statuses := make([]string, 0, len(stats.ByStatus))
		for s := range stats.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		out := cmd.OutOrStdout()
		for _, s := range statuses {
			printf(out, "%-11s %d\n", s, stats.ByStatus[s])
		}
		printf(out, "%-11s %d\n", "total", stats.Total)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueCompany, "company", "", "Company name (company items may omit the url)")
	enqueueCmd.Flags().StringVar(&enqueueSource, "source", "pipelinectl", "Producer name")
	enqueueCmd.Flags().IntVar(&enqueueMaxRetries, "max-retries", 3, "Retry budget")
	enqueueCmd.Flags().BoolVar(&enqueueLegacy, "legacy", false, "Import as a legacy item (source migration): whole chain in one pass, no resume")
	enqueueCmd.Flags().StringArrayVar(&enqueuePayload, "payload", nil, "Payload entry key=value (repeatable)")

	listCmd.Flags().StringVar(&listType, "type", "", "Filter by item type")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending|processing|success|failed|skipped|filtered|cancelled)")
	listCmd.Flags().StringVar(&listParent, "parent", "", "Only children of this item")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Max rows")

	rootCmd.AddCommand(enqueueCmd, listCmd, getCmd, cancelCmd, statsCmd)
}
