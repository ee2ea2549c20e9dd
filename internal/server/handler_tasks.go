package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/matcher"
	"github.com/me/gocycle/pkg/model"
)

// handleListTasks lists pool instances ordered by point then name.
// ?pattern may repeat; ?state filters on the instance state.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)

	tasks := s.data.Tasks()
	if len(opts.Patterns) > 0 {
		items := make([]matcher.Item, len(tasks))
		byID := make(map[string]model.TaskProxy, len(tasks))
		for i, t := range tasks {
			items[i] = matcher.Item{Point: t.Point, Name: t.Name, State: t.State, Families: t.Families}
			byID[t.ID] = t
		}
		res, err := s.matcher.Filter(items, opts.Patterns)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError(err.Error(), model.FieldError{Field: "pattern", Message: err.Error()}))
			return
		}
		tasks = tasks[:0:0]
		for _, it := range res.Matched {
			tasks = append(tasks, byID[it.ID()])
		}
	}
	if opts.State != "" {
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if string(t.State) == opts.State {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	start, end, pg := opts.Page(len(tasks))
	respondList(w, reqID, tasks[start:end], pg)
}

func taskID(r *http.Request) string {
	return chi.URLParam(r, "point") + "/" + chi.URLParam(r, "name")
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := taskID(r)

	task, ok := s.data.Task(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondOK(w, reqID, task)
}

// handleListJobs returns the job history of an instance, newest first. It
// also serves instances that have left the pool.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := taskID(r)
	opts := listOptions(r)

	jobs, total, err := s.store.ListJobs(r.Context(), id, opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if total == 0 {
		if _, ok := s.data.Task(id); !ok {
			respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
			return
		}
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := taskID(r)

	opts := model.DefaultListOptions()
	opts.Limit = 1
	jobs, _, err := s.store.ListJobs(r.Context(), id, opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if len(jobs) == 0 {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job for task", id))
		return
	}
	job := jobs[0]
	if s.registry == nil || job.Handle == "" {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("logs for job", job.Handle))
		return
	}
	backend, err := s.registry.Get(job.Platform)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	reader, ok := backend.(executor.LogReader)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, &model.APIError{
			Code:    model.ErrNotFound,
			Message: "platform " + job.Platform + " does not keep job logs",
		})
		return
	}
	stdout, stderr, err := reader.Logs(r.Context(), job.Handle)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{
		"task_id":    id,
		"submit_num": job.SubmitNum,
		"handle":     job.Handle,
		"stdout":     stdout,
		"stderr":     stderr,
		"exit_code":  job.ExitCode,
	})
}
