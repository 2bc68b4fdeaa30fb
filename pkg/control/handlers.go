package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/upload"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// currentResponse describes the upload in progress.
type currentResponse struct {
	Task    segment.Task `json:"task"`
	Started time.Time    `json:"started"`
}

// lastResponse is an upload.Result with its error rendered as text.
type lastResponse struct {
	upload.Result

	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Current  *currentResponse `json:"current,omitempty"`
	Last     *lastResponse    `json:"last,omitempty"`
	Killable bool             `json:"killable"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the current and last upload attempt.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Killable: s.aborter != nil}

	if task, started := s.status.Current(); task != nil {
		resp.Current = &currentResponse{Task: *task, Started: started}
	}

	if last, ok := s.status.LastResult(); ok {
		resp.Last = &lastResponse{Result: last, Error: last.Error()}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleAbort terminates the transfer in flight, if any.
func (s *server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	aborted := s.aborter.Abort()

	s.log.WithField("aborted", aborted).Info("Transfer abort requested")

	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}
