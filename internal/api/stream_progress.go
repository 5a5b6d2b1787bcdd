package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scanforge-io/scanforge/internal/scan"
)

const (
	progressInterval  = time.Second
	heartbeatInterval = 25 * time.Second
)

// handleProgressStream streams scan progress as server-sent events.
//
// Frames:
//   - event: progress  — JSON snapshot on every poll tick
//   - event: heartbeat — keepalive when the scan is quiet, at most 30s apart
//   - event: complete  — final snapshot once the scan is terminal; closes
//     the stream
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Streaming not supported"))

		return
	}

	snapshots, err := s.scheduler.StreamProgress(r.Context(), scanID, progressInterval)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case snap, open := <-snapshots:
			if !open {
				return
			}

			frame := "progress"
			if snap.Status.Terminal() {
				frame = "complete"
			}

			if err := writeSSEFrame(w, frame, &snap); err != nil {
				return
			}

			flusher.Flush()

			if frame == "complete" {
				return
			}

			heartbeat.Reset(heartbeatInterval)

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}

			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEFrame writes one named SSE frame with a JSON-encoded snapshot.
func writeSSEFrame(w http.ResponseWriter, name string, snap *scan.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)

	return err
}
