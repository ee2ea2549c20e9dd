package server

import (
	"net/http"
	"strconv"

	"github.com/me/gocycle/pkg/model"
)

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.data.Workflow())
}

func (s *Server) handleDatastore(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.data.Entire())
}

// handleDeltas returns the deltas after ?since. A sequence older than the
// retained history answers 409, telling the client to refetch the entire
// view.
func (s *Server) handleDeltas(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	since, err := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid since parameter",
				model.FieldError{Field: "since", Message: "must be a non-negative integer"}))
		return
	}
	deltas, ok := s.data.DeltasSince(since)
	if !ok {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "sequence " + strconv.FormatUint(since, 10) + " is no longer retained; fetch the entire datastore",
		})
		return
	}
	seq := since
	if len(deltas) > 0 {
		seq = deltas[len(deltas)-1].Seq
	}
	respondOK(w, reqID, map[string]any{
		"seq":    seq,
		"deltas": deltas,
	})
}
