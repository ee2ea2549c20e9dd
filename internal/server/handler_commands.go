package server

import (
	"net/http"

	"github.com/me/gocycle/internal/scheduler"
	"github.com/me/gocycle/pkg/model"
)

func commandNames() []string {
	return append([]string(nil), scheduler.CommandNames...)
}

// handleCommand runs a control command. The call blocks until the
// scheduler applies it at the next iteration boundary.
// POST /api/v1/commands
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.scheduler == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "scheduler not running"})
		return
	}

	var cmd scheduler.Command
	if !decodeJSON(w, r, &cmd) {
		return
	}
	res, err := s.scheduler.Do(r.Context(), cmd)
	if err != nil {
		s.logger.Warn("command rejected", "command", cmd.Name, "error", err, "request_id", reqID)
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("command applied", "command", cmd.Name, "id", res.CommandID, "tasks", len(res.Tasks))
	respondOK(w, reqID, res)
}

// handleMessage accepts a task message from a running job. The message is
// journaled before this returns and applied at the next iteration.
// POST /api/v1/messages
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.scheduler == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "scheduler not running"})
		return
	}

	var msg model.TaskMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	if err := s.scheduler.Message(r.Context(), msg); err != nil {
		respondErr(w, reqID, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+msg.TaskID)
	respondJSON(w, http.StatusAccepted, reqID, map[string]any{
		"task_id": msg.TaskID,
		"message": msg.Message,
	}, nil, nil)
}
