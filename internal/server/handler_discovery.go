package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Commands    []string       `json:"commands"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "gocycle API",
		Version:     "v1",
		Description: "Cycling workflow scheduler: task pool queries, control commands and remote workers",
		Commands:    commandNames(),
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Scheduler health, uptime and checkpoint status"},
			{"/api/v1/workflow", []string{"GET"}, "Workflow summary: status, points, state totals"},
			{"/api/v1/datastore", []string{"GET"}, "Entire published view: workflow, task and family proxies"},
			{"/api/v1/datastore/deltas", []string{"GET"}, "Deltas published after ?since=<seq>"},
			{"/api/v1/sse/datastore", []string{"GET"}, "Server-Sent Events stream of datastore deltas"},
			{"/api/v1/tasks", []string{"GET"}, "Task instances in the pool. Filters: ?pattern=point/name[:state], ?state="},
			{"/api/v1/tasks/{point}/{name}", []string{"GET"}, "Single task instance"},
			{"/api/v1/tasks/{point}/{name}/jobs", []string{"GET"}, "Job history of a task instance"},
			{"/api/v1/tasks/{point}/{name}/logs", []string{"GET"}, "stdout/stderr of the latest job"},
			{"/api/v1/commands", []string{"POST"}, "Run a control command (hold, release, kill, trigger, stop, ...)"},
			{"/api/v1/messages", []string{"POST"}, "Report a task message from a running job"},
			{"/api/v1/workers", []string{"GET", "POST"}, "Remote worker registration"},
			{"/api/v1/workers/{id}", []string{"DELETE"}, "Deregister a worker"},
			{"/api/v1/workers/{id}/heartbeat", []string{"PUT"}, "Worker liveness; returns jobs to kill"},
			{"/api/v1/workers/{id}/work", []string{"GET"}, "Check out the next queued job (204 when idle)"},
			{"/api/v1/workers/{id}/jobs/{handle}", []string{"PUT"}, "Report job status"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
