package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/me/gocycle/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localSpec(script string) model.JobSpec {
	return model.JobSpec{
		WorkflowID:  "wf",
		TaskID:      "1/foo",
		Name:        "foo",
		Point:       "1",
		SubmitNum:   1,
		TryNum:      1,
		Script:      script,
		Environment: map[string]string{"GREETING": "hello"},
	}
}

// waitTerminal polls until the job finishes or the deadline passes.
func waitTerminal(t *testing.T, b Backend, handle string) model.JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := b.Poll(context.Background(), handle)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if st.State.IsTerminal() {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s at deadline", handle, st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLocalBackend_Type(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	if got := b.Type(); got != TypeLocal {
		t.Fatalf("Type() = %q, want %q", got, TypeLocal)
	}
}

func TestLocalBackend_Succeeds(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())

	handle, err := b.Submit(context.Background(), localSpec(`echo "$GREETING $GOCYCLE_TASK_ID"; echo oops >&2`))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	info, err := os.Stat(handle)
	if err != nil || !info.IsDir() {
		t.Fatalf("handle %q is not a job directory: %v", handle, err)
	}

	st := waitTerminal(t, b, handle)
	if st.State != model.JobStateSucceeded {
		t.Errorf("State = %q, want succeeded (%s)", st.State, st.Message)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", st.ExitCode)
	}
	if st.StartedAt == nil || st.FinishedAt == nil {
		t.Errorf("times not recorded: %+v", st)
	}

	stdout, stderr, err := b.Logs(context.Background(), handle)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "hello 1/foo\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestLocalBackend_FailingScript(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	handle, err := b.Submit(context.Background(), localSpec("exit 3"))
	if err != nil {
		t.Fatal(err)
	}
	st := waitTerminal(t, b, handle)
	if st.State != model.JobStateFailed {
		t.Errorf("State = %q, want failed", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", st.ExitCode)
	}
}

func TestLocalBackend_EmptyScript(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	if _, err := b.Submit(context.Background(), localSpec("  ")); err == nil {
		t.Fatal("expected error for empty script")
	}
}

func TestLocalBackend_ResubmitIsIdempotent(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	spec := localSpec("true")
	h1, err := b.Submit(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := b.Submit(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("handles differ: %q, %q", h1, h2)
	}
	waitTerminal(t, b, h1)
}

func TestLocalBackend_Kill(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	handle, err := b.Submit(context.Background(), localSpec("sleep 30"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Kill(context.Background(), handle); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	st := waitTerminal(t, b, handle)
	if st.State != model.JobStateFailed {
		t.Errorf("State = %q, want failed", st.State)
	}
	if _, err := b.Kill(context.Background(), handle); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

func TestLocalBackend_PollUnknown(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), newTestLogger())
	st, err := b.Poll(context.Background(), "/no/such/job")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != model.JobStateUnknown {
		t.Errorf("State = %q, want unknown", st.State)
	}
}
