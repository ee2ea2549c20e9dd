package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <point/name>...",
		Short: "View the output of the latest job of task instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := printTaskLogs(cmd.Context(), cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printTaskLogs(ctx context.Context, out io.Writer, id string) error {
	path, err := taskPath(id)
	if err != nil {
		return err
	}
	var data struct {
		TaskID    string `json:"task_id"`
		SubmitNum int    `json:"submit_num"`
		Stdout    string `json:"stdout"`
		Stderr    string `json:"stderr"`
		ExitCode  *int   `json:"exit_code"`
	}
	if _, err := client.Get(ctx, path+"/logs", &data); err != nil {
		return fmt.Errorf("get logs: %w", err)
	}

	fmt.Fprintf(out, "=== %s (job %02d) ===\n", data.TaskID, data.SubmitNum)
	if data.Stdout != "" {
		fmt.Fprintf(out, "[stdout]\n%s", data.Stdout)
	}
	if data.Stderr != "" {
		fmt.Fprintf(out, "[stderr]\n%s", data.Stderr)
	}
	if data.ExitCode != nil {
		fmt.Fprintf(out, "[exit code: %d]\n", *data.ExitCode)
	}
	fmt.Fprintln(out)
	return nil
}
