package httpapi

import "net/http"

// handlePerfTurnStages reports rolling per-stage latency of recent turns.
func (s *Server) handlePerfTurnStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
