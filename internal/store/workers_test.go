package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/gocycle/pkg/model"
)

func sampleWorker(id string, pools ...string) *model.Worker {
	now := time.Now().UTC()
	return &model.Worker{
		ID:           id,
		Name:         id,
		Hostname:     "host-" + id,
		State:        model.WorkerStateOnline,
		Pools:        pools,
		Labels:       map[string]string{"site": "a"},
		LastSeen:     now,
		RegisteredAt: now,
	}
}

func enqueue(t *testing.T, st *SQLiteStore, handle, pool string, created time.Time) {
	t.Helper()
	err := st.EnqueueWorkerJob(context.Background(), &model.WorkerJob{
		Handle:    handle,
		Pool:      pool,
		State:     model.JobStateSubmitted,
		Spec:      model.JobSpec{TaskID: "1/" + handle, Name: handle, Point: "1", Script: "true"},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", handle, err)
	}
}

func TestWorkerCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	w := sampleWorker("w1", "default", "gpu")
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetWorker(ctx, "w1")
	if err != nil || got == nil {
		t.Fatalf("GetWorker = %v, %v", got, err)
	}
	if len(got.Pools) != 2 || got.Labels["site"] != "a" {
		t.Errorf("worker = %+v", got)
	}

	got.State = model.WorkerStateDraining
	if err := st.UpdateWorker(ctx, got); err != nil {
		t.Fatal(err)
	}
	list, err := st.ListWorkers(ctx)
	if err != nil || len(list) != 1 || list[0].State != model.WorkerStateDraining {
		t.Errorf("ListWorkers = %+v, %v", list, err)
	}
	if err := st.DeleteWorker(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteWorker(ctx, "w1"); err == nil {
		t.Error("deleting twice should fail")
	}
	if got, _ := st.GetWorker(ctx, "w1"); got != nil {
		t.Error("worker still present")
	}
}

func TestWorkerJobLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateWorker(ctx, sampleWorker("w1", "default")); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	enqueue(t, st, "b", "default", base.Add(time.Second))
	enqueue(t, st, "a", "default", base)
	enqueue(t, st, "g", "gpu", base)
	enqueue(t, st, "a", "default", base.Add(time.Hour)) // duplicate is ignored

	job, err := st.CheckoutWorkerJob(ctx, "w1", []string{"default"})
	if err != nil || job == nil {
		t.Fatalf("checkout = %v, %v", job, err)
	}
	if job.Handle != "a" || job.WorkerID != "w1" || job.Spec.TaskID != "1/a" {
		t.Errorf("checked out %+v", job)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.CurrentJob != "a" {
		t.Errorf("CurrentJob = %q", w.CurrentJob)
	}

	if err := st.ReportWorkerJob(ctx, "w2", "a", model.WorkerReport{State: model.JobStateRunning}); err == nil {
		t.Error("report from another worker should fail")
	}
	if err := st.ReportWorkerJob(ctx, "w1", "a", model.WorkerReport{State: model.JobStateRunning, Time: base}); err != nil {
		t.Fatal(err)
	}
	code := 0
	if err := st.ReportWorkerJob(ctx, "w1", "a", model.WorkerReport{
		State: model.JobStateSucceeded, ExitCode: &code, Time: base.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetWorkerJob(ctx, "a")
	if got.State != model.JobStateSucceeded || got.StartedAt == nil || !got.StartedAt.Equal(base) ||
		got.FinishedAt == nil || *got.ExitCode != 0 {
		t.Errorf("job after report = %+v", got)
	}
	w, _ = st.GetWorker(ctx, "w1")
	if w.CurrentJob != "" {
		t.Errorf("CurrentJob after finish = %q", w.CurrentJob)
	}

	next, _ := st.CheckoutWorkerJob(ctx, "w1", []string{"default"})
	if next == nil || next.Handle != "b" {
		t.Fatalf("second checkout = %+v", next)
	}
	if none, _ := st.CheckoutWorkerJob(ctx, "w1", []string{"default"}); none != nil {
		t.Errorf("expected empty queue, got %+v", none)
	}
}

func TestWorkerJobKill(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateWorker(ctx, sampleWorker("w1", "default")); err != nil {
		t.Fatal(err)
	}
	enqueue(t, st, "queued", "default", time.Now())
	enqueue(t, st, "held", "default", time.Now().Add(-time.Minute))

	held, _ := st.CheckoutWorkerJob(ctx, "w1", []string{"default"})
	if held == nil || held.Handle != "held" {
		t.Fatalf("checkout = %+v", held)
	}
	for _, h := range []string{"queued", "held"} {
		if err := st.RequestWorkerJobKill(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	q, _ := st.GetWorkerJob(ctx, "queued")
	if q.State != model.JobStateFailed || !q.KillReq {
		t.Errorf("unassigned job after kill = %+v", q)
	}
	h, _ := st.GetWorkerJob(ctx, "held")
	if h.State != model.JobStateSubmitted || !h.KillReq {
		t.Errorf("assigned job after kill = %+v", h)
	}
}

func TestMarkStaleWorkers(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateWorker(ctx, sampleWorker("old", "default")); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWorker(ctx, sampleWorker("new", "default")); err != nil {
		t.Fatal(err)
	}
	enqueue(t, st, "j", "default", time.Now())
	if _, err := st.CheckoutWorkerJob(ctx, "old", []string{"default"}); err != nil {
		t.Fatal(err)
	}
	stale, _ := st.GetWorker(ctx, "old")
	stale.LastSeen = time.Now().Add(-time.Hour)
	if err := st.UpdateWorker(ctx, stale); err != nil {
		t.Fatal(err)
	}

	n, err := st.MarkStaleWorkers(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("MarkStaleWorkers = %d, %v", n, err)
	}
	w, _ := st.GetWorker(ctx, "old")
	if w.State != model.WorkerStateOffline {
		t.Errorf("state = %s", w.State)
	}
	j, _ := st.GetWorkerJob(ctx, "j")
	if j.State != model.JobStateFailed || j.Message != "worker lost" {
		t.Errorf("job = %+v", j)
	}
}

func TestReportUnknownJob(t *testing.T) {
	st := testStore(t)
	err := st.ReportWorkerJob(context.Background(), "w1", "nope", model.WorkerReport{State: model.JobStateRunning})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}
