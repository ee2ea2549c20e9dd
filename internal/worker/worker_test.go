package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/datastore"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/server"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/pkg/model"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testEnv struct {
	url     string
	backend *executor.WorkerBackend
	logDir  string
}

// newTestEnv serves the worker API over an in-memory store and returns the
// scheduler-side back-end that queues jobs into it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	srv, err := server.New(cycling.Integer, st, nil, datastore.New(cycling.Integer, logger), logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})

	logDir := t.TempDir()
	backend := executor.NewWorkerBackend(st, logger)
	backend.SetLogDir(logDir)
	return &testEnv{url: ts.URL, backend: backend, logDir: logDir}
}

// startWorker runs a bare-runtime worker until the test ends.
func startWorker(t *testing.T, env *testEnv) {
	t.Helper()
	w, err := New(Config{
		ServerURL: env.url,
		Name:      "test-worker",
		Hostname:  "localhost",
		WorkDir:   t.TempDir(),
		StageOut:  "file://" + env.logDir,
		Poll:      20 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func submit(t *testing.T, env *testEnv, script string) (string, model.JobSpec) {
	t.Helper()
	spec := model.JobSpec{WorkflowID: "wf", TaskID: "1/foo", Name: "foo", Point: "1", SubmitNum: 1, TryNum: 1, Script: script}
	handle, err := env.backend.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return handle, spec
}

// waitFor polls the back-end until the job reaches state.
func waitFor(t *testing.T, env *testEnv, handle string, state model.JobState) model.JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var st model.JobStatus
	for time.Now().Before(deadline) {
		var err error
		st, err = env.backend.Poll(context.Background(), handle)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if st.State == state {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s: state %s, want %s", handle, st.State, state)
	return st
}

func TestWorker_RunsJob(t *testing.T) {
	env := newTestEnv(t)
	startWorker(t, env)
	handle, _ := submit(t, env, `echo "hello from $GOCYCLE_TASK_ID"`)

	st := waitFor(t, env, handle, model.JobStateSucceeded)
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", st.ExitCode)
	}

	stdout, _, err := env.backend.Logs(context.Background(), handle)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if stdout != "hello from 1/foo\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestWorker_FailedJob(t *testing.T) {
	env := newTestEnv(t)
	startWorker(t, env)
	handle, _ := submit(t, env, "echo broken >&2; exit 7")

	st := waitFor(t, env, handle, model.JobStateFailed)
	if st.ExitCode == nil || *st.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", st.ExitCode)
	}
	_, stderr, err := env.backend.Logs(context.Background(), handle)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if stderr != "broken\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestWorker_KillViaHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	startWorker(t, env)
	handle, _ := submit(t, env, "sleep 30")

	waitFor(t, env, handle, model.JobStateRunning)
	if _, err := env.backend.Kill(context.Background(), handle); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	st := waitFor(t, env, handle, model.JobStateFailed)
	if st.Message != "killed" {
		t.Errorf("message = %q, want killed", st.Message)
	}
	if st.ExitCode == nil || *st.ExitCode != exitTerminated {
		t.Errorf("exit code = %v, want %d", st.ExitCode, exitTerminated)
	}
}

func TestWorker_TimeLimit(t *testing.T) {
	env := newTestEnv(t)
	startWorker(t, env)
	spec := model.JobSpec{WorkflowID: "wf", TaskID: "1/slow", Name: "slow", Point: "1", SubmitNum: 1, TryNum: 1,
		Script: "sleep 30", TimeLimit: 200 * time.Millisecond}
	handle, err := env.backend.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st := waitFor(t, env, handle, model.JobStateFailed)
	if st.ExitCode == nil || *st.ExitCode != exitTerminated {
		t.Errorf("exit code = %v, want %d", st.ExitCode, exitTerminated)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown runtime", Config{Runtime: "podman"}},
		{"bad stage-out", Config{StageOut: "s3://bucket"}},
		{"missing CA", Config{TLS: TLSConfig{CACertPath: filepath.Join(os.TempDir(), "no-such-ca.pem")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegister_Rejected(t *testing.T) {
	env := newTestEnv(t)
	w, err := New(Config{ServerURL: env.url, Poll: 10 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// An empty name is a validation error, which is not retried.
	if err := w.register(ctx); !isRejected(err) {
		t.Errorf("register err = %v, want an API rejection", err)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := TLSConfig{}.BuildTLSConfig()
	if err != nil || cfg != nil {
		t.Errorf("default = %v, %v; want nil, nil", cfg, err)
	}
	cfg, err = TLSConfig{InsecureSkipVerify: true}.BuildTLSConfig()
	if err != nil || cfg == nil || !cfg.InsecureSkipVerify {
		t.Errorf("insecure = %+v, %v", cfg, err)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(bad, []byte("not a certificate"), 0o644)
	if _, err := (TLSConfig{CACertPath: bad}).BuildTLSConfig(); err == nil {
		t.Error("expected error for an unparsable CA")
	}
}
