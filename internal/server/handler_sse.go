package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleSSEDatastore streams the published view via Server-Sent Events:
// an "entire" event first (or the missed deltas when Last-Event-ID or
// ?since names a retained sequence), then one "delta" event per change.
// GET /api/v1/sse/datastore
func (s *Server) handleSSEDatastore(w http.ResponseWriter, r *http.Request) {
	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("since")
	}
	var last uint64
	sent := false
	if seq, err := strconv.ParseUint(resume, 10, 64); err == nil {
		if deltas, ok := s.data.DeltasSince(seq); ok {
			last = seq
			for _, d := range deltas {
				if err := sendSSEEvent(w, flusher, "delta", d.Seq, d); err != nil {
					return
				}
				last = d.Seq
			}
			sent = true
		}
	}
	if !sent {
		snap := s.data.Entire()
		if err := sendSSEEvent(w, flusher, "entire", snap.Seq, snap); err != nil {
			s.logger.Debug("sse client disconnected", "error", err)
			return
		}
		last = snap.Seq
	}

	ticker := time.NewTicker(s.sseEvery)
	defer ticker.Stop()
	idle := 0

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			deltas, ok := s.data.DeltasSince(last)
			if !ok {
				// Fell behind the retained history.
				snap := s.data.Entire()
				if err := sendSSEEvent(w, flusher, "entire", snap.Seq, snap); err != nil {
					return
				}
				last = snap.Seq
				continue
			}
			for _, d := range deltas {
				if err := sendSSEEvent(w, flusher, "delta", d.Seq, d); err != nil {
					s.logger.Debug("sse client disconnected")
					return
				}
				last = d.Seq
			}
			if len(deltas) > 0 {
				idle = 0
				continue
			}
			// Heartbeat every 15 quiet checks.
			if idle++; idle >= 15 {
				idle = 0
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, id uint64, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
