package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/me/gocycle/pkg/model"
)

// Back-end type identifiers.
const (
	TypeLocal      = "local"
	TypeDocker     = "docker"
	TypeSimulation = "simulation"
	TypeWorker     = "worker"
)

// Backend is a pluggable job runner. Calls may be retried by the scheduler,
// so Submit and Kill must be idempotent for the same job.
type Backend interface {
	// Type returns the back-end type identifier.
	Type() string

	// Submit starts a job and returns a handle used for later calls.
	Submit(ctx context.Context, spec model.JobSpec) (handle string, err error)

	// Poll reports the current state of a submitted job.
	Poll(ctx context.Context, handle string) (model.JobStatus, error)

	// Kill stops a job. Killing a finished or unknown job is not an error.
	Kill(ctx context.Context, handle string) (model.Ack, error)
}

// Job output files, relative to a job directory. Remote workers stage the
// same files into the shared log directory.
const (
	StdoutFile = "job.out"
	StderrFile = "job.err"
)

// LogReader is implemented by back-ends that can return job output.
type LogReader interface {
	Logs(ctx context.Context, handle string) (stdout, stderr string, err error)
}

// JobEnv returns the environment a job runs with: the task's configured
// environment plus the GOCYCLE_* identification variables, sorted by name.
func JobEnv(spec model.JobSpec) []string {
	env := make(map[string]string, len(spec.Environment)+6)
	for k, v := range spec.Environment {
		env[k] = v
	}
	env["GOCYCLE_WORKFLOW_ID"] = spec.WorkflowID
	env["GOCYCLE_TASK_ID"] = spec.TaskID
	env["GOCYCLE_TASK_NAME"] = spec.Name
	env["GOCYCLE_CYCLE_POINT"] = spec.Point
	env["GOCYCLE_TRY_NUM"] = fmt.Sprint(spec.TryNum)
	env["GOCYCLE_SUBMIT_NUM"] = fmt.Sprint(spec.SubmitNum)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// JobName is a stable, filesystem and container safe name for one
// submission of a task instance.
func JobName(spec model.JobSpec) string {
	return unsafeName.ReplaceAllString(
		fmt.Sprintf("%s.%s.%s.%02d", spec.WorkflowID, spec.Point, spec.Name, spec.SubmitNum), "_")
}

func exitCode(n int) *int { return &n }

// readJobLogs reads the output files of a job directory. Missing files read
// as empty.
func readJobLogs(dir string) (string, string, error) {
	stdout, err := os.ReadFile(filepath.Join(dir, StdoutFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	stderr, err := os.ReadFile(filepath.Join(dir, StderrFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	return string(stdout), string(stderr), nil
}
