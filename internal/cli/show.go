package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gocycle/pkg/model"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <point/name>",
		Short: "Show one task instance and its job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := taskPath(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var t model.TaskProxy
			_, err = client.Get(cmd.Context(), path, &t)
			switch {
			case err == nil:
				printTask(out, t)
			case isNotFound(err):
				fmt.Fprintf(out, "Task: %s (not in pool)\n", args[0])
			default:
				return fmt.Errorf("get task: %w", err)
			}

			var jobs []model.Job
			if _, err := client.Get(cmd.Context(), path+"/jobs", &jobs); err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "  Jobs:     none")
				return nil
			}
			fmt.Fprintln(out, "  Jobs:")
			for _, j := range jobs {
				fmt.Fprintf(out, "    %02d  %-10s  %-10s", j.SubmitNum, j.Platform, j.State)
				if j.ExitCode != nil {
					fmt.Fprintf(out, "  exit %d", *j.ExitCode)
				}
				if j.SubmittedAt != nil {
					fmt.Fprintf(out, "  submitted %s", humanize.Time(*j.SubmittedAt))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func printTask(out io.Writer, t model.TaskProxy) {
	fmt.Fprintf(out, "Task: %s\n", t.ID)
	fmt.Fprintf(out, "  State:    %s", t.State)
	if flags := taskFlags(t); flags != "" {
		fmt.Fprintf(out, " [%s]", flags)
	}
	fmt.Fprintln(out)
	if t.HoldReason != "" {
		fmt.Fprintf(out, "  Held:     %s\n", t.HoldReason)
	}
	if t.Platform != "" {
		fmt.Fprintf(out, "  Platform: %s\n", t.Platform)
	}
	fmt.Fprintf(out, "  Tries:    %d (submits %d)\n", t.TryNum, t.SubmitNum)
	if t.RetryAt != nil {
		fmt.Fprintf(out, "  Retry:    %s\n", humanize.Time(*t.RetryAt))
	}
	if len(t.Outputs) > 0 {
		fmt.Fprintf(out, "  Outputs:  %v\n", t.Outputs)
	}
	for _, p := range t.Prerequisites {
		mark := " "
		if p.Satisfied {
			mark = "x"
		}
		fmt.Fprintf(out, "  [%s] %s\n", mark, p.Expression)
	}
}

func isNotFound(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrNotFound
}
