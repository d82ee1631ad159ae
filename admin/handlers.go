package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/publisher"
	"github.com/maxpert/dcjoin/store"
	"github.com/maxpert/dcjoin/telemetry"
)

// CursorSource lists the persisted partition cursors
type CursorSource interface {
	Cursors() ([]store.CursorRecord, error)
}

// SinkSource reports publisher sink progress
type SinkSource interface {
	Status() []publisher.SinkStatus
}

// AdminHandlers serves node status over HTTP
type AdminHandlers struct {
	node    string
	board   *Board
	cursors CursorSource
	stats   telemetry.StatsProvider
	sinks   SinkSource
	started time.Time
}

// NewAdminHandlers creates handlers over the given sources. Any source may
// be nil; its endpoint then reports an empty result.
func NewAdminHandlers(node string, board *Board, cursors CursorSource, stats telemetry.StatsProvider, sinks SinkSource) *AdminHandlers {
	if board == nil {
		board = NewBoard()
	}
	return &AdminHandlers{
		node:    node,
		board:   board,
		cursors: cursors,
		stats:   stats,
		sinks:   sinks,
		started: time.Now(),
	}
}

// handleHealth answers liveness probes
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp renders t as RFC 3339, or empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
