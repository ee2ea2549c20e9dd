package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/gocycle/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "list [pattern...]",
		Aliases: []string{"tasks"},
		Short:   "List task instances in the pool",
		Long: "List task instances, optionally filtered by point/name[:state] patterns.\n" +
			"Names may be globs or family names, e.g. '2/*' or '*/MODELS:running'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, p := range args {
				q.Add("pattern", p)
			}
			if state != "" {
				q.Set("state", state)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/tasks/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var tasks []model.TaskProxy
			page, err := client.Get(cmd.Context(), path, &tasks)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-30s  %-12s  %-6s  %s\n", "TASK", "STATE", "TRY", "FLAGS")
			fmt.Fprintf(out, "%-30s  %-12s  %-6s  %s\n", "----", "-----", "---", "-----")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-30s  %-12s  %-6d  %s\n", t.ID, t.State, t.TryNum, taskFlags(t))
			}

			if page != nil && page.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(tasks), page.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only list instances in this state")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of instances")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many instances")
	return cmd
}

func taskFlags(t model.TaskProxy) string {
	var s string
	add := func(ok bool, flag string) {
		if !ok {
			return
		}
		if s != "" {
			s += ","
		}
		s += flag
	}
	add(t.IsHeld, "held")
	add(t.IsRunahead, "runahead")
	add(t.IsForced, "forced")
	add(t.IsIncomplete, "incomplete")
	add(t.IsOrphaned, "orphaned")
	return s
}

// taskPath turns point/name into the API path of that instance.
func taskPath(id string) (string, error) {
	point, name, ok := cutTaskID(id)
	if !ok {
		return "", fmt.Errorf("invalid task id %q: want point/name", id)
	}
	return "/api/v1/tasks/" + url.PathEscape(point) + "/" + url.PathEscape(name), nil
}

func cutTaskID(id string) (string, string, bool) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			if i == 0 || i == len(id)-1 {
				return "", "", false
			}
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
