package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/gocycle/pkg/model"
)

type healthResponse struct {
	Status         string               `json:"status"`
	Version        string               `json:"version"`
	GoVersion      string               `json:"go_version"`
	Uptime         string               `json:"uptime"`
	Workflow       model.WorkflowStatus `json:"workflow"`
	Iteration      int64                `json:"iteration"`
	CheckpointOK   bool                 `json:"checkpoint_ok"`
	LastCheckpoint *time.Time           `json:"last_checkpoint,omitempty"`
	Platforms      []string             `json:"platforms,omitempty"`
}

// handleHealth reports "degraded" while checkpoints are failing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	wf := s.data.Workflow()
	resp := healthResponse{
		Status:         "healthy",
		Version:        Version,
		GoVersion:      runtime.Version(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Workflow:       wf.Status,
		Iteration:      wf.Iteration,
		CheckpointOK:   wf.CheckpointOK,
		LastCheckpoint: wf.LastCheckpoint,
	}
	if wf.Iteration > 0 && !wf.CheckpointOK {
		resp.Status = "degraded"
	}
	if s.registry != nil {
		resp.Platforms = s.registry.Platforms()
	}
	respondOK(w, reqID, resp)
}
