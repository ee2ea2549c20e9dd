package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/pkg/model"
)

// handleRegisterWorker creates a new worker record.
// POST /api/v1/workers
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	workerAuth := WorkerAuthFromContext(r.Context())

	var req struct {
		Name     string            `json:"name"`
		Hostname string            `json:"hostname"`
		Pools    []string          `json:"pools"`
		Labels   map[string]string `json:"labels"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}

	pools := req.Pools
	if len(pools) == 0 {
		pools = []string{executor.DefaultWorkerPool}
	}
	for _, p := range pools {
		if !workerAuth.CanServePool(p) {
			respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
				Code:    model.ErrUnauthorized,
				Message: "worker key does not allow pool: " + p,
			})
			return
		}
	}

	now := time.Now().UTC()
	worker := &model.Worker{
		ID:           "wrk_" + uuid.New().String(),
		Name:         req.Name,
		Hostname:     req.Hostname,
		State:        model.WorkerStateOnline,
		Pools:        pools,
		Labels:       req.Labels,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if worker.Labels == nil {
		worker.Labels = map[string]string{}
	}

	if err := s.store.CreateWorker(r.Context(), worker); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	s.logger.Info("worker registered", "id", worker.ID, "name", worker.Name, "pools", worker.Pools, "key", workerAuth.KeyID)
	respondCreated(w, reqID, worker)
}

// getWorker loads the worker named in the URL, answering 404 when absent.
func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) *model.Worker {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return nil
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", id))
		return nil
	}
	return worker
}

// handleWorkerHeartbeat updates a worker's last_seen timestamp and tells it
// which of its jobs to kill. A worker marked offline comes back online.
// PUT /api/v1/workers/{id}/heartbeat
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	worker := s.getWorker(w, r)
	if worker == nil {
		return
	}

	worker.LastSeen = time.Now().UTC()
	if worker.State == model.WorkerStateOffline {
		worker.State = model.WorkerStateOnline
		s.logger.Info("worker back online", "id", worker.ID)
	}
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	jobs, err := s.store.ListWorkerJobs(r.Context(), "")
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	hb := model.Heartbeat{Draining: worker.State == model.WorkerStateDraining}
	for _, j := range jobs {
		if j.WorkerID == worker.ID && j.KillReq && !j.State.IsTerminal() {
			hb.Kill = append(hb.Kill, j.Handle)
		}
	}
	respondOK(w, reqID, hb)
}

// handleWorkerCheckout assigns the oldest queued job in one of the
// worker's pools.
// GET /api/v1/workers/{id}/work
// Returns 200 with the job or 204 No Content if no work is available.
func (s *Server) handleWorkerCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	worker := s.getWorker(w, r)
	if worker == nil {
		return
	}
	if worker.State != model.WorkerStateOnline {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := s.store.CheckoutWorkerJob(r.Context(), worker.ID, worker.Pools)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Debug("job checked out", "worker_id", worker.ID, "task", job.Spec.TaskID, "handle", job.Handle, "pool", job.Pool)
	respondOK(w, reqID, job)
}

// handleWorkerReport records a state change of a checked-out job.
// PUT /api/v1/workers/{id}/jobs/{handle}
func (s *Server) handleWorkerReport(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	workerID := chi.URLParam(r, "id")
	handle := chi.URLParam(r, "handle")

	var report model.WorkerReport
	if !decodeJSON(w, r, &report) {
		return
	}
	if err := s.store.ReportWorkerJob(r.Context(), workerID, handle, report); err != nil {
		respondErr(w, reqID, err)
		return
	}

	s.logger.Info("job reported by worker",
		"handle", handle,
		"worker_id", workerID,
		"state", report.State,
		"exit_code", report.ExitCode,
	)
	respondOK(w, reqID, map[string]any{"handle": handle, "state": report.State})
}

// handleDeregisterWorker removes a worker record.
// DELETE /api/v1/workers/{id}
func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteWorker(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", id))
		return
	}

	s.logger.Info("worker deregistered", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

// handleListWorkers returns all registered workers.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}

	respondOK(w, reqID, workers)
}
