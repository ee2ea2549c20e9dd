package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// Files in a local job directory.
const (
	localScriptFile = "job.sh"
	localWrapper    = "job"
	localStatusFile = "job.status"
	localPIDFile    = "job.pid"
)

// The wrapper records start and exit in the status file so that a job
// can be polled after the scheduler restarts.
const localWrapperScript = `#!/bin/sh
cd "$(dirname "$0")" || exit 1
echo "STARTED=$(date -u +%s)" >> ` + localStatusFile + `
/bin/sh ./` + localScriptFile + ` > ` + StdoutFile + ` 2> ` + StderrFile + `
rc=$?
echo "EXIT=$rc" >> ` + localStatusFile + `
echo "FINISHED=$(date -u +%s)" >> ` + localStatusFile + `
exit $rc
`

// LocalBackend runs jobs as background processes on the scheduler host.
// The job directory path is the handle.
type LocalBackend struct {
	workDir string
	logger  *slog.Logger

	mu     sync.Mutex
	exited map[string]bool
	killed map[string]bool
}

// NewLocalBackend creates a LocalBackend writing job directories under
// workDir. If workDir is empty, os.TempDir() is used.
func NewLocalBackend(workDir string, logger *slog.Logger) *LocalBackend {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &LocalBackend{
		workDir: workDir,
		logger:  logger.With("component", "local-executor"),
		exited:  make(map[string]bool),
		killed:  make(map[string]bool),
	}
}

// Type returns TypeLocal.
func (b *LocalBackend) Type() string { return TypeLocal }

// Submit writes the job files and starts the wrapper in its own process
// group. A job directory that already has a pid file was submitted before
// and is returned as is.
func (b *LocalBackend) Submit(_ context.Context, spec model.JobSpec) (string, error) {
	if strings.TrimSpace(spec.Script) == "" {
		return "", fmt.Errorf("task %s: script is empty", spec.TaskID)
	}
	jobDir := filepath.Join(b.workDir, JobName(spec))
	if _, err := os.Stat(filepath.Join(jobDir, localPIDFile)); err == nil {
		b.logger.Debug("job already submitted", "task", spec.TaskID, "dir", jobDir)
		return jobDir, nil
	}
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("task %s: create job dir: %w", spec.TaskID, err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, localScriptFile), []byte(spec.Script+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("task %s: write script: %w", spec.TaskID, err)
	}
	wrapper := filepath.Join(jobDir, localWrapper)
	if err := os.WriteFile(wrapper, []byte(localWrapperScript), 0o755); err != nil {
		return "", fmt.Errorf("task %s: write wrapper: %w", spec.TaskID, err)
	}

	// Not CommandContext: the job outlives the submit call.
	cmd := exec.Command("/bin/sh", wrapper)
	cmd.Dir = jobDir
	cmd.Env = append(os.Environ(), JobEnv(spec)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("task %s: start job: %w", spec.TaskID, err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(jobDir, localPIDFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return "", fmt.Errorf("task %s: write pid: %w", spec.TaskID, err)
	}
	go func() {
		_ = cmd.Wait()
		b.mu.Lock()
		b.exited[jobDir] = true
		b.mu.Unlock()
	}()

	b.logger.Debug("local job submitted", "task", spec.TaskID, "dir", jobDir, "pid", pid)
	return jobDir, nil
}

// Poll reads the job status file. Liveness is checked before the file is
// read, so a job seen dead without an exit record really did vanish.
func (b *LocalBackend) Poll(_ context.Context, handle string) (model.JobStatus, error) {
	if _, err := os.Stat(handle); errors.Is(err, os.ErrNotExist) {
		return model.JobStatus{State: model.JobStateUnknown}, nil
	}
	alive := b.alive(handle)
	fields, err := readStatusFile(filepath.Join(handle, localStatusFile))
	if err != nil {
		return model.JobStatus{}, err
	}

	var st model.JobStatus
	st.StartedAt = unixField(fields, "STARTED")
	st.FinishedAt = unixField(fields, "FINISHED")
	if v, ok := fields["EXIT"]; ok {
		code, err := strconv.Atoi(v)
		if err != nil {
			return model.JobStatus{}, fmt.Errorf("%s: bad exit code %q", handle, v)
		}
		st.ExitCode = exitCode(code)
		st.State = model.JobStateSucceeded
		if code != 0 {
			st.State = model.JobStateFailed
			st.Message = fmt.Sprintf("exit code %d", code)
		}
		return st, nil
	}
	switch {
	case !alive:
		st.State = model.JobStateFailed
		st.Message = "job exited without status"
		b.mu.Lock()
		if b.killed[handle] {
			st.Message = "killed"
		}
		b.mu.Unlock()
	case st.StartedAt != nil:
		st.State = model.JobStateRunning
	default:
		st.State = model.JobStateSubmitted
	}
	return st, nil
}

// Kill sends SIGTERM to the job's process group.
func (b *LocalBackend) Kill(_ context.Context, handle string) (model.Ack, error) {
	if !b.alive(handle) {
		return model.Ack{Handle: handle, Message: "job not running"}, nil
	}
	pid, err := readPID(handle)
	if err != nil {
		return model.Ack{}, err
	}
	b.mu.Lock()
	b.killed[handle] = true
	b.mu.Unlock()
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return model.Ack{}, fmt.Errorf("kill %s: %w", handle, err)
	}
	b.logger.Debug("local job killed", "dir", handle, "pid", pid)
	return model.Ack{Handle: handle, Message: "SIGTERM sent"}, nil
}

// Logs returns the job's stdout and stderr files.
func (b *LocalBackend) Logs(_ context.Context, handle string) (string, string, error) {
	return readJobLogs(handle)
}

func (b *LocalBackend) alive(handle string) bool {
	b.mu.Lock()
	exited := b.exited[handle]
	b.mu.Unlock()
	if exited {
		return false
	}
	pid, err := readPID(handle)
	if err != nil {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPID(handle string) (int, error) {
	data, err := os.ReadFile(filepath.Join(handle, localPIDFile))
	if err != nil {
		return 0, fmt.Errorf("read pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("bad pid file in %s: %w", handle, err)
	}
	return pid, nil
}

// readStatusFile parses KEY=VALUE lines; a missing file is empty.
func readStatusFile(path string) (map[string]string, error) {
	fields := make(map[string]string)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fields, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "="); ok {
			fields[k] = v
		}
	}
	return fields, sc.Err()
}

func unixField(fields map[string]string, key string) *time.Time {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
