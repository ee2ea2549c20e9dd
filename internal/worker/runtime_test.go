package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockCommandRunner records calls and returns canned responses.
type mockCommandRunner struct {
	calls   []Cmd
	results []mockResult
	callIdx int
}

type mockResult struct {
	stdout   string
	exitCode int
	err      error
}

func (m *mockCommandRunner) Run(_ context.Context, c Cmd) (int, error) {
	m.calls = append(m.calls, c)
	if m.callIdx >= len(m.results) {
		return -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if c.Stdout != nil {
		io.WriteString(c.Stdout, r.stdout)
	}
	return r.exitCode, r.err
}

func writeScript(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, jobScript), []byte(script+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestBareRuntime_Run(t *testing.T) {
	dir := writeScript(t, `echo "hello $WHO"; echo oops >&2; exit 3`)
	var stdout, stderr bytes.Buffer

	result, err := NewBareRuntime().Run(context.Background(), RunSpec{
		WorkDir: dir,
		Env:     []string{"WHO=world"},
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", result.ExitCode)
	}
	if stdout.String() != "hello world\n" || stderr.String() != "oops\n" {
		t.Errorf("stdout = %q, stderr = %q", stdout.String(), stderr.String())
	}
}

func TestBareRuntime_Cancel(t *testing.T) {
	dir := writeScript(t, "sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := NewBareRuntime().Run(ctx, RunSpec{WorkDir: dir, Stdout: io.Discard, Stderr: io.Discard})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 143 {
		t.Errorf("exit_code = %d, want 143 (SIGTERM)", result.ExitCode)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("cancel took %v", time.Since(start))
	}
}

func TestBareRuntime_MissingDir(t *testing.T) {
	if _, err := NewBareRuntime().Run(context.Background(), RunSpec{}); err == nil {
		t.Fatal("expected error without a job directory")
	}
}

func TestDockerRuntime_Run(t *testing.T) {
	runner := &mockCommandRunner{results: []mockResult{{stdout: "container output\n", exitCode: 0}}}
	rt := newDockerRuntimeWithRunner(runner)

	var stdout bytes.Buffer
	result, err := rt.Run(context.Background(), RunSpec{
		Name:    "wf.1.foo.01",
		Image:   "alpine:latest",
		WorkDir: "/tmp/work",
		Env:     []string{"B=2", "A=1"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 0 || stdout.String() != "container output\n" {
		t.Errorf("result = %+v, stdout = %q", result, stdout.String())
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	want := []string{
		"run", "--rm", "--name", "gocycle-wf.1.foo.01",
		"-e", "A=1", "-e", "B=2",
		"-v", "/tmp/work:/work", "-w", "/work",
		"alpine:latest", "/bin/sh", "/work/job.sh",
	}
	if call.Name != "docker" {
		t.Errorf("command = %q, want docker", call.Name)
	}
	if diff := cmp.Diff(want, call.Args); diff != "" {
		t.Errorf("docker args mismatch (-want +got):\n%s", diff)
	}
}

func TestDockerRuntime_CancelKillsContainer(t *testing.T) {
	runner := &mockCommandRunner{results: []mockResult{{exitCode: 143}, {exitCode: 0}}}
	rt := newDockerRuntimeWithRunner(runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := rt.Run(ctx, RunSpec{Name: "j", Image: "alpine", WorkDir: "/tmp/work"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 143 {
		t.Errorf("exit_code = %d, want 143", result.ExitCode)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected run and kill, got %d calls", len(runner.calls))
	}
	if diff := cmp.Diff([]string{"kill", "gocycle-j"}, runner.calls[1].Args); diff != "" {
		t.Errorf("kill args mismatch (-want +got):\n%s", diff)
	}
}

func TestContainerRuntime_MissingImage(t *testing.T) {
	for _, rt := range []Runtime{
		newDockerRuntimeWithRunner(&mockCommandRunner{}),
		newApptainerRuntimeWithRunner(&mockCommandRunner{}),
	} {
		t.Run(rt.Name(), func(t *testing.T) {
			_, err := rt.Run(context.Background(), RunSpec{WorkDir: "/tmp/work"})
			if err == nil || !strings.Contains(err.Error(), "image is required") {
				t.Errorf("err = %v, want image is required", err)
			}
		})
	}
}

func TestApptainerRuntime_Run(t *testing.T) {
	runner := &mockCommandRunner{results: []mockResult{{stdout: "apptainer output\n"}}}
	rt := newApptainerRuntimeWithRunner(runner)

	_, err := rt.Run(context.Background(), RunSpec{
		Image:   "ubuntu:22.04",
		WorkDir: "/tmp/work",
		Env:     []string{"A=1"},
		Stdout:  io.Discard,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	call := runner.calls[0]
	want := []string{
		"exec", "--env", "A=1",
		"--bind", "/tmp/work:/work", "--pwd", "/work",
		"docker://ubuntu:22.04", "/bin/sh", "/work/job.sh",
	}
	if call.Name != "apptainer" {
		t.Errorf("command = %q, want apptainer", call.Name)
	}
	if diff := cmp.Diff(want, call.Args); diff != "" {
		t.Errorf("apptainer args mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntime_GPU(t *testing.T) {
	tests := []struct {
		name    string
		runtime func(CommandRunner) Runtime
		gpus    string
		want    []string
	}{
		{"docker device", func(r CommandRunner) Runtime { return newDockerRuntimeWithRunner(r) }, "0",
			[]string{"--gpus", `"device=0"`, "-e", "CUDA_VISIBLE_DEVICES=0"}},
		{"docker all", func(r CommandRunner) Runtime { return newDockerRuntimeWithRunner(r) }, "all",
			[]string{"--gpus", "all"}},
		{"apptainer all", func(r CommandRunner) Runtime { return newApptainerRuntimeWithRunner(r) }, "all",
			[]string{"--nv"}},
		{"apptainer device", func(r CommandRunner) Runtime { return newApptainerRuntimeWithRunner(r) }, "0,1",
			[]string{"--nv", "--env", "CUDA_VISIBLE_DEVICES=0,1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockCommandRunner{results: []mockResult{{}}}
			_, err := tt.runtime(runner).Run(context.Background(), RunSpec{
				Name: "j", Image: "nvidia/cuda:12.0-base", WorkDir: "/tmp/work", GPU: parseGPUs(tt.gpus),
			})
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			args := strings.Join(runner.calls[0].Args, " ")
			if !strings.Contains(args, strings.Join(tt.want, " ")) {
				t.Errorf("args %q missing %q", args, tt.want)
			}
		})
	}
}

func TestParseGPUs(t *testing.T) {
	tests := []struct {
		in   string
		want GPUConfig
	}{
		{"", GPUConfig{}},
		{"none", GPUConfig{}},
		{"all", GPUConfig{Enabled: true}},
		{"1", GPUConfig{Enabled: true, DeviceID: "1"}},
	}
	for _, tt := range tests {
		if got := parseGPUs(tt.in); got != tt.want {
			t.Errorf("parseGPUs(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNewRuntime(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"docker", "docker", false},
		{"apptainer", "apptainer", false},
		{"none", "none", false},
		{"", "none", false},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := NewRuntime(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRuntime(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err == nil && rt.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", rt.Name(), tt.wantName)
			}
		})
	}
}
