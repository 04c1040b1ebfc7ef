package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SamuelRCrider/pii-guard/core"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List and manage PII incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withRuntime(cmd, func(rt *runtime) error {
			incidents := rt.guard.Incidents().List(cmd.Context(), limit)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), incidents)
			}
			if len(incidents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No incidents.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDETECTED\tPAGE\tTITLE\tTYPES\tSTATUS")
			for _, inc := range incidents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					inc.ID,
					inc.Timestamp.Local().Format(time.DateTime),
					inc.PageID,
					inc.Title,
					strings.Join(inc.PIITypes, ","),
					inc.Status,
				)
			}
			return tw.Flush()
		})
	},
}

var incidentsStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Move an incident to Quarantined, Resolved or Dismissed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		status, ok := core.ParseStatus(args[1])
		if !ok {
			return fmt.Errorf("unknown status %q", args[1])
		}

		return withRuntime(cmd, func(rt *runtime) error {
			if err := rt.guard.Incidents().Transition(cmd.Context(), id, status); err != nil {
				return fmt.Errorf("could not move incident %s to %s: %w", id, status, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Incident %s is now %s.\n", id, status)
			return nil
		})
	},
}

var incidentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *runtime) error {
			if err := rt.guard.Incidents().Remove(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("could not delete incident %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Incident %s deleted.\n", args[0])
			return nil
		})
	},
}

var incidentsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count incidents by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *runtime) error {
			counts := rt.guard.Incidents().Counts(cmd.Context())
			for _, st := range core.AllStatuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", st, counts[st])
			}
			return nil
		})
	},
}

var incidentsPageCmd = &cobra.Command{
	Use:   "page <page-id>",
	Short: "Show the incident summary for one page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *runtime) error {
			return printJSON(cmd.OutOrStdout(), rt.guard.Incidents().PageStatus(cmd.Context(), args[0]))
		})
	},
}

func init() {
	incidentsListCmd.Flags().Int("limit", core.DefaultListLimit, "Maximum number of incidents")
	incidentsListCmd.Flags().Bool("json", false, "Print incidents as JSON")

	incidentsCmd.AddCommand(incidentsListCmd, incidentsStatusCmd, incidentsDeleteCmd, incidentsStatsCmd, incidentsPageCmd)
	rootCmd.AddCommand(incidentsCmd)
}
