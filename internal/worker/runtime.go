package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// Directives read by the worker runtimes.
const (
	directiveGPUs = "gpus"
)

// jobScript is the file the job script is written to inside the job directory.
const jobScript = "job.sh"

// Runtime runs a job script, optionally inside a container.
type Runtime interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes one job execution.
type RunSpec struct {
	Name    string   // stable job name, used for container names
	Image   string   // container image (ignored by the bare runtime)
	WorkDir string   // job directory on the host holding job.sh
	Env     []string // KEY=VALUE pairs
	GPU     GPUConfig
	Stdout  io.Writer
	Stderr  io.Writer
}

// GPUConfig specifies GPU access for container execution.
type GPUConfig struct {
	Enabled  bool
	DeviceID string // "0", "0,1"; empty means all
}

// parseGPUs reads the gpus directive: "all", a device list, or empty.
func parseGPUs(v string) GPUConfig {
	switch v {
	case "", "none", "0":
		return GPUConfig{}
	case "all":
		return GPUConfig{Enabled: true}
	}
	return GPUConfig{Enabled: true, DeviceID: v}
}

// RunResult is the outcome of a finished job.
type RunResult struct {
	ExitCode int
}

// CommandRunner abstracts process execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, cmd Cmd) (exitCode int, err error)
}

// Cmd is one process invocation.
type Cmd struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the worker's environment
	Stdout io.Writer
	Stderr io.Writer
}

// osCommandRunner runs processes with os/exec. A cancelled context sends
// SIGTERM and, after a grace period, SIGKILL.
type osCommandRunner struct {
	grace time.Duration
}

func (r *osCommandRunner) Run(ctx context.Context, c Cmd) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

func defaultRunner() CommandRunner { return &osCommandRunner{grace: 10 * time.Second} }

// BareRuntime runs job scripts directly on the host.
type BareRuntime struct {
	runner CommandRunner
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{runner: defaultRunner()}
}

func newBareRuntimeWithRunner(runner CommandRunner) *BareRuntime {
	return &BareRuntime{runner: runner}
}

func (r *BareRuntime) Name() string { return "none" }

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.WorkDir == "" {
		return RunResult{}, fmt.Errorf("bare runtime: job directory is required")
	}
	code, err := r.runner.Run(ctx, Cmd{
		Name:   "/bin/sh",
		Args:   []string{filepath.Join(spec.WorkDir, jobScript)},
		Dir:    spec.WorkDir,
		Env:    spec.Env,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
	if err != nil {
		return RunResult{ExitCode: code}, fmt.Errorf("bare runtime: %w", err)
	}
	return RunResult{ExitCode: code}, nil
}

// DockerRuntime runs job scripts inside Docker containers. The job
// directory is mounted at /work.
type DockerRuntime struct {
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{runner: defaultRunner()}
}

func newDockerRuntimeWithRunner(runner CommandRunner) *DockerRuntime {
	return &DockerRuntime{runner: runner}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}

	container := "gocycle-" + spec.Name
	args := []string{"run", "--rm", "--name", container}

	if spec.GPU.Enabled {
		if spec.GPU.DeviceID != "" {
			args = append(args, "--gpus", fmt.Sprintf(`"device=%s"`, spec.GPU.DeviceID))
			args = append(args, "-e", "CUDA_VISIBLE_DEVICES="+spec.GPU.DeviceID)
		} else {
			args = append(args, "--gpus", "all")
		}
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	args = append(args, spec.Image, "/bin/sh", "/work/"+jobScript)

	code, err := r.runner.Run(ctx, Cmd{Name: "docker", Args: args, Stdout: spec.Stdout, Stderr: spec.Stderr})
	if ctx.Err() != nil {
		// The CLI going away does not stop the container.
		r.runner.Run(context.Background(), Cmd{
			Name: "docker", Args: []string{"kill", container},
			Stdout: io.Discard, Stderr: io.Discard,
		})
	}
	if err != nil {
		return RunResult{ExitCode: code}, fmt.Errorf("docker runtime: %w", err)
	}
	return RunResult{ExitCode: code}, nil
}

// ApptainerRuntime runs job scripts inside Apptainer (Singularity) containers.
type ApptainerRuntime struct {
	runner CommandRunner
}

// NewApptainerRuntime creates an ApptainerRuntime.
func NewApptainerRuntime() *ApptainerRuntime {
	return &ApptainerRuntime{runner: defaultRunner()}
}

func newApptainerRuntimeWithRunner(runner CommandRunner) *ApptainerRuntime {
	return &ApptainerRuntime{runner: runner}
}

func (r *ApptainerRuntime) Name() string { return "apptainer" }

func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("apptainer runtime: image is required")
	}

	args := []string{"exec"}
	if spec.GPU.Enabled {
		args = append(args, "--nv")
		if spec.GPU.DeviceID != "" {
			args = append(args, "--env", "CUDA_VISIBLE_DEVICES="+spec.GPU.DeviceID)
		}
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, "--bind", spec.WorkDir+":/work", "--pwd", "/work")
	args = append(args, "docker://"+spec.Image, "/bin/sh", "/work/"+jobScript)

	code, err := r.runner.Run(ctx, Cmd{Name: "apptainer", Args: args, Stdout: spec.Stdout, Stderr: spec.Stderr})
	if err != nil {
		return RunResult{ExitCode: code}, fmt.Errorf("apptainer runtime: %w", err)
	}
	return RunResult{ExitCode: code}, nil
}

func sortedEnv(env []string) []string {
	out := append([]string(nil), env...)
	sort.Strings(out)
	return out
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "apptainer":
		return NewApptainerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
