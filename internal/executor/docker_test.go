package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// mockRunner records calls and returns canned responses.
type mockRunner struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	name string
	args []string
}

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{name: name, args: args})
	if m.callIdx >= len(m.results) {
		return "", "", -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.stdout, r.stderr, r.exitCode, r.err
}

func dockerSpec() model.JobSpec {
	return model.JobSpec{
		WorkflowID:  "wf",
		TaskID:      "1/foo",
		Name:        "foo",
		Point:       "1",
		SubmitNum:   1,
		TryNum:      1,
		Script:      "echo hello",
		Environment: map[string]string{"FOO": "bar"},
		Directives:  map[string]string{DirectiveImage: "alpine:3.20"},
	}
}

func TestDockerBackend_Type(t *testing.T) {
	b := NewDockerBackend(t.TempDir(), newTestLogger())
	if got := b.Type(); got != TypeDocker {
		t.Fatalf("Type() = %q, want %q", got, TypeDocker)
	}
}

func TestDockerBackend_SubmitSuccess(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "0123abcd\n"}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)

	handle, err := b.Submit(context.Background(), dockerSpec())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if handle != "gocycle-wf.1.foo.01" {
		t.Errorf("handle = %q", handle)
	}
	if len(runner.calls) != 1 || runner.calls[0].name != "docker" {
		t.Fatalf("calls = %+v", runner.calls)
	}
	args := strings.Join(runner.calls[0].args, " ")
	for _, want := range []string{
		"run -d --name gocycle-wf.1.foo.01",
		"-e FOO=bar",
		"-e GOCYCLE_TASK_ID=1/foo",
		"alpine:3.20 /bin/sh -c echo hello",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("docker args %q missing %q", args, want)
		}
	}
}

func TestDockerBackend_SubmitAlreadyExists(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{
		stderr:   `docker: Error response from daemon: Conflict. The container name "/gocycle-wf.1.foo.01" is already in use.`,
		exitCode: 125,
	}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	handle, err := b.Submit(context.Background(), dockerSpec())
	if err != nil {
		t.Fatalf("resubmit should succeed: %v", err)
	}
	if handle != "gocycle-wf.1.foo.01" {
		t.Errorf("handle = %q", handle)
	}
}

func TestDockerBackend_SubmitFailure(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stderr: "Unable to find image", exitCode: 125}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	if _, err := b.Submit(context.Background(), dockerSpec()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDockerBackend_MissingImage(t *testing.T) {
	runner := &mockRunner{}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	spec := dockerSpec()
	spec.Directives = nil
	if _, err := b.Submit(context.Background(), spec); err == nil {
		t.Fatal("expected error for missing image")
	}
	if len(runner.calls) != 0 {
		t.Errorf("docker should not be called, got %d calls", len(runner.calls))
	}
}

func TestDockerBackend_Poll(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		want     model.JobState
		wantCode *int
		started  bool
	}{
		{"created", "created|0|0001-01-01T00:00:00Z|0001-01-01T00:00:00Z\n", model.JobStateSubmitted, nil, false},
		{"running", "running|0|2024-01-01T00:00:01.5Z|0001-01-01T00:00:00Z\n", model.JobStateRunning, nil, true},
		{"succeeded", "exited|0|2024-01-01T00:00:01Z|2024-01-01T00:00:09Z\n", model.JobStateSucceeded, exitCode(0), true},
		{"failed", "exited|2|2024-01-01T00:00:01Z|2024-01-01T00:00:09Z\n", model.JobStateFailed, exitCode(2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{results: []mockResult{{stdout: tt.stdout}}}
			b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
			st, err := b.Poll(context.Background(), "c1")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if st.State != tt.want {
				t.Errorf("State = %q, want %q", st.State, tt.want)
			}
			if (st.ExitCode == nil) != (tt.wantCode == nil) || (st.ExitCode != nil && *st.ExitCode != *tt.wantCode) {
				t.Errorf("ExitCode = %v, want %v", st.ExitCode, tt.wantCode)
			}
			if (st.StartedAt != nil) != tt.started {
				t.Errorf("StartedAt = %v", st.StartedAt)
			}
		})
	}
}

func TestDockerBackend_PollStartTime(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "running|0|2024-01-01T00:00:01Z|0001-01-01T00:00:00Z"}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	st, err := b.Poll(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC); st.StartedAt == nil || !st.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, want)
	}
}

func TestDockerBackend_PollUnknown(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stderr: "Error: No such object: c1", exitCode: 1}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	st, err := b.Poll(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != model.JobStateUnknown {
		t.Errorf("State = %q, want unknown", st.State)
	}
}

func TestDockerBackend_Kill(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "c1\n"}, {stderr: "Error: No such container: c1", exitCode: 1}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	for i := 0; i < 2; i++ {
		ack, err := b.Kill(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Kill %d: %v", i, err)
		}
		if ack.Handle != "c1" {
			t.Errorf("ack = %+v", ack)
		}
	}
	if got := strings.Join(runner.calls[0].args, " "); got != "rm -f c1" {
		t.Errorf("args = %q", got)
	}
}

func TestDockerBackend_KillNoHandle(t *testing.T) {
	runner := &mockRunner{}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	if _, err := b.Kill(context.Background(), ""); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no docker calls")
	}
}

func TestDockerBackend_Logs(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "out\n", stderr: "err\n"}}}
	b := newDockerBackendWithRunner(t.TempDir(), newTestLogger(), runner)
	stdout, stderr, err := b.Logs(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "out\n" || stderr != "err\n" {
		t.Errorf("Logs = %q, %q", stdout, stderr)
	}
}
