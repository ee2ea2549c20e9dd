package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// Directives read by the docker back-end.
const (
	DirectiveImage = "image"
	// DirectiveDockerArgs holds extra space-separated "docker run" flags.
	DirectiveDockerArgs = "docker_args"
)

// DockerBackend runs jobs in detached containers through the Docker CLI.
// The container name is the job handle.
type DockerBackend struct {
	logger  *slog.Logger
	workDir string
	runner  CommandRunner
}

// NewDockerBackend creates a DockerBackend rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewDockerBackend(workDir string, logger *slog.Logger) *DockerBackend {
	return newDockerBackendWithRunner(workDir, logger, &osCommandRunner{})
}

// newDockerBackendWithRunner is used by tests to inject a mock CommandRunner.
func newDockerBackendWithRunner(workDir string, logger *slog.Logger, runner CommandRunner) *DockerBackend {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &DockerBackend{
		workDir: workDir,
		logger:  logger.With("component", "docker-executor"),
		runner:  runner,
	}
}

// Type returns TypeDocker.
func (b *DockerBackend) Type() string { return TypeDocker }

// Submit starts the job script in a detached container. Resubmitting a job
// whose container already exists returns the existing handle.
func (b *DockerBackend) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	image := spec.Directives[DirectiveImage]
	if image == "" {
		return "", fmt.Errorf("task %s: %s directive is missing or empty", spec.TaskID, DirectiveImage)
	}
	if strings.TrimSpace(spec.Script) == "" {
		return "", fmt.Errorf("task %s: script is empty", spec.TaskID)
	}

	name := "gocycle-" + JobName(spec)
	jobDir := filepath.Join(b.workDir, name)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("task %s: create work dir: %w", spec.TaskID, err)
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"-v", jobDir + ":/work",
		"-w", "/work",
	}
	for _, kv := range JobEnv(spec) {
		args = append(args, "-e", kv)
	}
	args = append(args, strings.Fields(spec.Directives[DirectiveDockerArgs])...)
	args = append(args, image, "/bin/sh", "-c", spec.Script)

	_, stderr, code, err := b.runner.Run(ctx, "docker", args...)
	if err != nil {
		return "", fmt.Errorf("task %s: docker run: %w", spec.TaskID, err)
	}
	if code != 0 {
		if strings.Contains(stderr, "is already in use") {
			b.logger.Debug("container already exists", "task", spec.TaskID, "container", name)
			return name, nil
		}
		return "", fmt.Errorf("task %s: docker run exited %d: %s", spec.TaskID, code, strings.TrimSpace(stderr))
	}

	b.logger.Debug("docker job submitted",
		"task", spec.TaskID,
		"image", image,
		"container", name,
	)
	return name, nil
}

const inspectFormat = "{{.State.Status}}|{{.State.ExitCode}}|{{.State.StartedAt}}|{{.State.FinishedAt}}"

// Poll inspects the container. A container docker does not know about is
// reported as JobStateUnknown.
func (b *DockerBackend) Poll(ctx context.Context, handle string) (model.JobStatus, error) {
	stdout, stderr, code, err := b.runner.Run(ctx, "docker", "inspect", "-f", inspectFormat, handle)
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("docker inspect %s: %w", handle, err)
	}
	if code != 0 {
		if strings.Contains(stderr, "No such") {
			return model.JobStatus{State: model.JobStateUnknown}, nil
		}
		return model.JobStatus{}, fmt.Errorf("docker inspect %s exited %d: %s", handle, code, strings.TrimSpace(stderr))
	}
	return parseInspect(strings.TrimSpace(stdout))
}

func parseInspect(line string) (model.JobStatus, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return model.JobStatus{}, fmt.Errorf("unexpected docker inspect output %q", line)
	}
	st := model.JobStatus{StartedAt: dockerTime(parts[2]), FinishedAt: dockerTime(parts[3])}
	switch parts[0] {
	case "created":
		st.State = model.JobStateSubmitted
	case "running", "paused", "restarting":
		st.State = model.JobStateRunning
	case "exited", "dead":
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return model.JobStatus{}, fmt.Errorf("bad exit code %q", parts[1])
		}
		st.ExitCode = exitCode(code)
		st.State = model.JobStateSucceeded
		if code != 0 {
			st.State = model.JobStateFailed
			st.Message = fmt.Sprintf("exit code %d", code)
		}
	default:
		return model.JobStatus{}, fmt.Errorf("unknown container status %q", parts[0])
	}
	return st, nil
}

// dockerTime parses an inspect timestamp; docker reports the zero time as
// "0001-01-01T00:00:00Z".
func dockerTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return nil
	}
	t = t.UTC()
	return &t
}

// Kill removes the container.
func (b *DockerBackend) Kill(ctx context.Context, handle string) (model.Ack, error) {
	if handle == "" {
		return model.Ack{}, nil
	}
	_, stderr, code, err := b.runner.Run(ctx, "docker", "rm", "-f", handle)
	if err != nil {
		return model.Ack{}, fmt.Errorf("docker rm %s: %w", handle, err)
	}
	if code != 0 && !strings.Contains(stderr, "No such") {
		return model.Ack{}, fmt.Errorf("docker rm %s exited %d: %s", handle, code, strings.TrimSpace(stderr))
	}
	return model.Ack{Handle: handle, Message: "container removed"}, nil
}

// Logs returns the container's output.
func (b *DockerBackend) Logs(ctx context.Context, handle string) (string, string, error) {
	stdout, stderr, code, err := b.runner.Run(ctx, "docker", "logs", handle)
	if err != nil {
		return "", "", fmt.Errorf("docker logs %s: %w", handle, err)
	}
	if code != 0 {
		return "", "", fmt.Errorf("docker logs %s exited %d: %s", handle, code, strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}
