package cli

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gocycle/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the workflow status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var wf model.WorkflowInfo
			if _, err := client.Get(cmd.Context(), "/api/v1/workflow", &wf); err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow: %s\n", wf.ID)
			fmt.Fprintf(out, "  Status:   %s", wf.Status)
			if wf.StatusMessage != "" {
				fmt.Fprintf(out, " (%s)", wf.StatusMessage)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Cycling:  %s, %s", wf.CyclingMode, wf.InitialPoint)
			if wf.FinalPoint != "" {
				fmt.Fprintf(out, " to %s", wf.FinalPoint)
			}
			fmt.Fprintln(out)
			if wf.OldestActive != "" {
				fmt.Fprintf(out, "  Active:   %s .. %s (runahead %s)\n", wf.OldestActive, wf.NewestActive, wf.RunaheadPoint)
			}
			if wf.HoldPoint != "" {
				fmt.Fprintf(out, "  Hold:     after %s\n", wf.HoldPoint)
			}
			if wf.StopPoint != "" {
				fmt.Fprintf(out, "  Stop:     after %s\n", wf.StopPoint)
			}
			if !wf.StartedAt.IsZero() {
				fmt.Fprintf(out, "  Started:  %s\n", humanize.Time(wf.StartedAt))
			}
			if wf.LastCheckpoint != nil {
				ok := "ok"
				if !wf.CheckpointOK {
					ok = "FAILING"
				}
				fmt.Fprintf(out, "  Saved:    %s (%s)\n", humanize.Time(*wf.LastCheckpoint), ok)
			}
			fmt.Fprintf(out, "  Tasks:    %s", formatTotals(wf.StateTotals))
			if wf.HeldTotal > 0 {
				fmt.Fprintf(out, ", %d held", wf.HeldTotal)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

// formatTotals renders state counts in state order, skipping zeros.
func formatTotals(totals model.StateTotals) string {
	states := make([]model.TaskState, 0, len(totals))
	total := 0
	for s, n := range totals {
		if n > 0 {
			states = append(states, s)
			total += n
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	s := fmt.Sprintf("%d total", total)
	for _, st := range states {
		s += fmt.Sprintf(", %d %s", totals[st], st)
	}
	return s
}
