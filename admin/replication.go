package admin

import (
	"net/http"
	"time"

	"github.com/maxpert/dcjoin/publisher"
)

// handleStatus returns the current orchestrator run and phase timings
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	run := h.board.Run()
	phases := map[string]string{}
	for name, d := range h.board.PhaseDurations() {
		phases[name] = d.Round(time.Millisecond).String()
	}

	response := map[string]interface{}{
		"node":       h.node,
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"kind":       run.Kind,
		"phase":      run.Phase,
		"running":    run.Running,
		"started_at": formatTimestamp(run.StartedAt),
		"phases":     phases,
	}
	if run.LastError != "" {
		response["last_error"] = run.LastError
		response["failed_in"] = run.FailedIn
	}
	writeJSONResponse(w, response)
}

// handleSinks returns publisher cursors and lag per sink
func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.sinks == nil {
		writeJSONResponse(w, []publisher.SinkStatus{})
		return
	}
	writeJSONResponse(w, h.sinks.Status())
}
