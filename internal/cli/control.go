package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gocycle/internal/scheduler"
	"github.com/me/gocycle/internal/taskdef"
)

// sendCommand posts command to the scheduler and prints the result.
func sendCommand(c *cobra.Command, command scheduler.Command) error {
	var res scheduler.Result
	if err := client.Post(c.Context(), "/api/v1/commands", command, &res); err != nil {
		return fmt.Errorf("%s: %w", command.Name, err)
	}
	printResult(c.OutOrStdout(), command.Name, res)
	return nil
}

func printResult(out io.Writer, name string, res scheduler.Result) {
	fmt.Fprintf(out, "%s: ok", name)
	if res.Message != "" {
		fmt.Fprintf(out, " (%s)", res.Message)
	}
	fmt.Fprintln(out)
	for _, t := range res.Tasks {
		fmt.Fprintf(out, "  %s\n", t)
	}
	for _, p := range res.Unmatched {
		fmt.Fprintf(out, "  no match: %s\n", p)
	}
	for _, b := range res.Broadcasts {
		fmt.Fprintf(out, "  broadcast %s/%s\n", b.Point, b.Namespace)
	}
}

// taskCmd builds a command that acts on task patterns.
func taskCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <pattern>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, scheduler.Command{Name: name, Tasks: args})
		},
	}
}

// bareCmd builds a command that takes no arguments.
func bareCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, scheduler.Command{Name: name})
		},
	}
}

func newControlCmds() []*cobra.Command {
	return []*cobra.Command{
		taskCmd(scheduler.CmdHold, "Hold matching task instances"),
		taskCmd(scheduler.CmdRelease, "Release held task instances"),
		taskCmd(scheduler.CmdKill, "Kill the jobs of matching instances"),
		taskCmd(scheduler.CmdTrigger, "Force matching instances to run now"),
		taskCmd(scheduler.CmdRemove, "Remove matching instances from the pool"),
		newSetOutputsCmd(),
		newHoldAfterCmd(),
		bareCmd(scheduler.CmdReleaseHoldPoint, "Clear the hold point and release everything held by it"),
		newStopCmd(),
		bareCmd(scheduler.CmdPause, "Stop submitting new jobs"),
		bareCmd(scheduler.CmdResume, "Resume submitting jobs"),
		bareCmd(scheduler.CmdReload, "Reload the workflow definition"),
		newBroadcastCmd(),
		newClearBroadcastCmd(),
	}
}

func newSetOutputsCmd() *cobra.Command {
	var outputs []string
	cmd := &cobra.Command{
		Use:   scheduler.CmdSetOutputs + " <pattern>...",
		Short: "Mark outputs of matching instances as completed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, scheduler.Command{
				Name:    scheduler.CmdSetOutputs,
				Tasks:   args,
				Outputs: outputs,
			})
		},
	}
	cmd.Flags().StringSliceVarP(&outputs, "output", "o", nil, "Output to set (default succeeded)")
	return cmd
}

func newHoldAfterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   scheduler.CmdHoldAfter + " <point>",
		Short: "Hold every instance beyond a cycle point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, scheduler.Command{Name: scheduler.CmdHoldAfter, Point: args[0]})
		},
	}
}

func newStopCmd() *cobra.Command {
	var (
		mode       string
		afterPoint string
		at         string
		task       string
	)
	cmd := &cobra.Command{
		Use:   scheduler.CmdStop,
		Short: "Stop the scheduler",
		Long: "Stop the scheduler now, or once a cycle point, a wall-clock time or a\n" +
			"task success is reached. --mode picks what happens to active jobs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := scheduler.Command{
				Name:  scheduler.CmdStop,
				Mode:  scheduler.StopMode(mode),
				Point: afterPoint,
				Task:  task,
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				c.At = &t
			}
			return sendCommand(cmd, c)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "clean (wait for active jobs), now, or kill")
	cmd.Flags().StringVar(&afterPoint, "after-point", "", "Stop once this cycle point is complete")
	cmd.Flags().StringVar(&at, "at", "", "Stop at this RFC 3339 time")
	cmd.Flags().StringVar(&task, "task", "", "Stop once this point/name succeeds")
	return cmd
}

func newBroadcastCmd() *cobra.Command {
	var (
		points     []string
		namespaces []string
		sets       []string
	)
	cmd := &cobra.Command{
		Use:   scheduler.CmdBroadcast,
		Short: "Override runtime settings at run time",
		Long: "Override runtime settings for the given cycle points and namespaces.\n" +
			"Nested keys use dots: --set environment.FOO=bar --set execution_retry_delays=[PT1M]",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := parseSettings(sets)
			if err != nil {
				return err
			}
			return sendCommand(cmd, scheduler.Command{
				Name:       scheduler.CmdBroadcast,
				Points:     points,
				Namespaces: namespaces,
				Settings:   settings,
			})
		},
	}
	cmd.Flags().StringSliceVarP(&points, "point", "p", nil, "Cycle points (default all)")
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "Task or family names (default root)")
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Setting as key=value")
	return cmd
}

func newClearBroadcastCmd() *cobra.Command {
	var points, namespaces []string
	cmd := &cobra.Command{
		Use:   scheduler.CmdClearBroadcast,
		Short: "Clear broadcast settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, scheduler.Command{
				Name:       scheduler.CmdClearBroadcast,
				Points:     points,
				Namespaces: namespaces,
			})
		},
	}
	cmd.Flags().StringSliceVarP(&points, "point", "p", nil, "Cycle points (default all)")
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "Task or family names (default all)")
	return cmd
}

// parseSettings turns key=value pairs into a nested settings map. Values
// are read as YAML scalars or flow collections.
func parseSettings(pairs []string) (taskdef.Settings, error) {
	settings := taskdef.Settings{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q: want key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		parts := strings.Split(key, ".")
		m := map[string]any(settings)
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	}
	return settings, nil
}
