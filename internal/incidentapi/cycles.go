package incidentapi

import (
	"encoding/json"
	"net/http"

	"github.com/linnemanlabs/roadwatch/internal/reconcile"
)

func (a *API) handleLastCycle(w http.ResponseWriter, _ *http.Request) {
	rep, ok := a.cycles.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no cycle has run yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleRunCycle runs one cycle synchronously. Failures still return the
// report so callers see how far the cycle got.
func (a *API) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := a.cycles.RunCycle(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, rep)
		return
	}

	status := http.StatusInternalServerError
	if rep.Outcome == reconcile.OutcomeFeedError {
		status = http.StatusBadGateway
	}
	a.logger.Warn(r.Context(), "triggered cycle failed", "cycle_id", rep.ID, "outcome", rep.Outcome)
	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
