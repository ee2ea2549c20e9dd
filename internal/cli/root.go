package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/gocycle/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default scheduler URL, checking GOCYCLE_SERVER first.
func defaultServer() string {
	if s := os.Getenv("GOCYCLE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gocycle CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gocycle",
		Short: "gocycle: control a running cycling workflow scheduler",
		Long: "gocycle queries and controls a running scheduler: list task instances,\n" +
			"inspect jobs and logs, hold, release, trigger, kill and stop.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.NewStderr(flagLogLevel, flagLogFormat, flagDebug)
			if err != nil {
				return err
			}
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Scheduler URL (or GOCYCLE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newStatusCmd(),
		newListCmd(),
		newShowCmd(),
		newLogsCmd(),
		newMessageCmd(),
	)
	root.AddCommand(newControlCmds()...)

	return root
}
