package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gocycle/pkg/model"
)

// Environment set on every job by the scheduler.
const (
	envTaskID    = "GOCYCLE_TASK_ID"
	envSubmitNum = "GOCYCLE_SUBMIT_NUM"
)

func newMessageCmd() *cobra.Command {
	var (
		taskID    string
		submitNum int
		severity  string
	)
	cmd := &cobra.Command{
		Use:   "message <message>...",
		Short: "Send a task message (output or progress) to the scheduler",
		Long: "Send messages on behalf of a running job. Inside a job the task ID and\n" +
			"submit number are read from GOCYCLE_TASK_ID and GOCYCLE_SUBMIT_NUM.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				taskID = os.Getenv(envTaskID)
			}
			if taskID == "" {
				return fmt.Errorf("--task is required outside a job (%s not set)", envTaskID)
			}
			if !cmd.Flags().Changed("submit-num") {
				if v := os.Getenv(envSubmitNum); v != "" {
					n, err := strconv.Atoi(v)
					if err != nil {
						return fmt.Errorf("%s: %w", envSubmitNum, err)
					}
					submitNum = n
				}
			}

			for _, m := range args {
				msg := model.TaskMessage{
					TaskID:    taskID,
					SubmitNum: submitNum,
					Severity:  strings.ToUpper(severity),
					Message:   m,
					EventTime: time.Now().UTC(),
				}
				if err := client.Post(cmd.Context(), "/api/v1/messages", msg, nil); err != nil {
					return fmt.Errorf("send message: %w", err)
				}
				logger.Debug("message sent", "task", taskID, "message", m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s) sent for %s\n", len(args), taskID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "Task ID as point/name")
	cmd.Flags().IntVar(&submitNum, "submit-num", 0, "Job submit number (0 for the current job)")
	cmd.Flags().StringVar(&severity, "severity", "INFO", "Message severity (INFO, WARNING, CRITICAL, CUSTOM)")
	return cmd
}
