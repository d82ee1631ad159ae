package admin

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/telemetry"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/status", handlers.handleStatus)
	r.Get("/sinks", handlers.handleSinks)
	r.Route("/partitions", func(r chi.Router) {
		r.Get("/", handlers.handlePartitions)
		r.Get("/{partition}", handlers.partitionByName)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// NewServeMux builds the full HTTP surface: admin API, health, metrics and pprof
func NewServeMux(handlers *AdminHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	mux.HandleFunc("/healthz", handlers.handleHealth)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	return mux
}

func (h *AdminHandlers) partitionByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "partition")
	for _, p := range h.board.Partitions() {
		if p.Partition == name || directory.EqualDN(p.NC, name) {
			writeJSONResponse(w, p)
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, "partition not found: "+name)
}
