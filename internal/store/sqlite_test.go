package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRecord(point, name string, state model.TaskState, outputs ...string) model.TaskRecord {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.TaskRecord{
		ID:        point + "/" + name,
		Name:      name,
		Point:     point,
		State:     state,
		TryNum:    1,
		Outputs:   outputs,
		Prereqs:   [][]string{{"1/up:succeeded"}},
		SpawnedAt: now,
		UpdatedAt: now,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	foo := sampleRecord("1", "foo", model.TaskStateSucceeded, "submitted", "started", "succeeded")
	bar := sampleRecord("1", "bar", model.TaskStateWaiting)
	baz := sampleRecord("2", "baz", model.TaskStateQueued)
	bcasts := []broadcast.Broadcast{{Point: "*", Namespace: "root", Settings: taskdef.Settings{"script": "true"}}}
	if err := st.SaveCheckpoint(ctx, &Checkpoint{
		Upserts:    []model.TaskRecord{foo, bar, baz},
		Params:     map[string]string{"uuid": "abc", "hold_point": "5"},
		Broadcasts: &bcasts,
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	bar.State = model.TaskStateQueued
	if err := st.SaveCheckpoint(ctx, &Checkpoint{
		Upserts: []model.TaskRecord{bar},
		Deletes: []string{foo.ID},
		Params:  map[string]string{"hold_point": ""},
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	pool, err := st.LoadPool(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.TaskRecord{bar, baz}, pool); diff != "" {
		t.Errorf("LoadPool mismatch (-want +got):\n%s", diff)
	}

	params, err := st.LoadParams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"uuid": "abc", "hold_point": ""}, params); diff != "" {
		t.Errorf("LoadParams mismatch (-want +got):\n%s", diff)
	}

	got, err := st.LoadBroadcasts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []broadcast.Broadcast{{Point: "*", Namespace: "root", Settings: taskdef.Settings{"script": "true"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadBroadcasts mismatch (-want +got):\n%s", diff)
	}

	// Removed from the pool, but its outputs remain as history.
	outputs, ok, err := st.TaskOutputs("1/foo")
	if err != nil || !ok {
		t.Fatalf("TaskOutputs = %v, %v, %v", outputs, ok, err)
	}
	if diff := cmp.Diff([]string{"submitted", "started", "succeeded"}, outputs); diff != "" {
		t.Errorf("TaskOutputs mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := st.TaskOutputs("9/nope"); ok {
		t.Error("unknown task should have no history")
	}
}

func TestEmptyCheckpointWritesNothing(t *testing.T) {
	st := testStore(t)
	st.Close()
	if err := st.SaveCheckpoint(context.Background(), &Checkpoint{}); err != nil {
		t.Errorf("empty checkpoint on a closed store: %v", err)
	}
	err := st.SaveCheckpoint(context.Background(), &Checkpoint{Deletes: []string{"1/foo"}})
	var serr *model.StorageError
	if !errors.As(err, &serr) {
		t.Errorf("err = %v, want StorageError", err)
	}
}

func TestJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	code := 1
	jobs := []model.Job{
		{TaskID: "1/foo", Name: "foo", Point: "1", SubmitNum: 1, TryNum: 1, Platform: "local", Handle: "h1",
			State: model.JobStateFailed, ExitClass: model.ExitFailed, ExitCode: &code, SubmittedAt: &at},
		{TaskID: "1/foo", Name: "foo", Point: "1", SubmitNum: 2, TryNum: 2, Platform: "local", Handle: "h2",
			State: model.JobStateSubmitted, SubmittedAt: &at},
		{TaskID: "1/bar", Name: "bar", Point: "1", SubmitNum: 1, TryNum: 1, State: model.JobStateSubmitted},
	}
	if err := st.SaveCheckpoint(ctx, &Checkpoint{Jobs: jobs}); err != nil {
		t.Fatal(err)
	}
	jobs[1].State = model.JobStateSucceeded
	if err := st.SaveCheckpoint(ctx, &Checkpoint{Jobs: jobs[1:2]}); err != nil {
		t.Fatal(err)
	}

	got, total, err := st.ListJobs(ctx, "1/foo", model.DefaultListOptions())
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if diff := cmp.Diff([]model.Job{jobs[1], jobs[0]}, got); diff != "" {
		t.Errorf("ListJobs mismatch (-want +got):\n%s", diff)
	}

	_, total, err = st.ListJobs(ctx, "", model.ListOptions{State: string(model.JobStateSubmitted)})
	if err != nil || total != 1 {
		t.Errorf("filtered total = %d, %v; want 1", total, err)
	}
}

func TestJournal(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id1, err := st.AppendJournal(ctx, JournalMessage, []byte(`{"task_id":"1/foo"}`))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := st.AppendJournal(ctx, JournalCommand, []byte(`{"command":"hold"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveCheckpoint(ctx, &Checkpoint{Applied: []int64{id1}}); err != nil {
		t.Fatal(err)
	}
	entries, err := st.UnappliedJournal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != id2 || entries[0].Kind != JournalCommand {
		t.Fatalf("entries = %+v", entries)
	}
	if string(entries[0].Payload) != `{"command":"hold"}` {
		t.Errorf("payload = %s", entries[0].Payload)
	}
}
