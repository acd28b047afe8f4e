package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/beacon/internal/eventstore"
)

const queueStatsTimeout = 5 * time.Second

type queueReport struct {
	Backend string                  `json:"backend"`
	Tables  []eventstore.TableStats `json:"tables"`
}

// collectQueueStats reads row counts for every table and refreshes the
// queue gauge as a side effect.
func (h *host) collectQueueStats(ctx context.Context) (queueReport, error) {
	rep := queueReport{Backend: h.backend}
	for _, table := range h.tables() {
		st, err := h.store.Stats(ctx, table)
		if err != nil {
			return rep, err
		}
		h.metrics.SetQueueRows(table, st.Rows)
		rep.Tables = append(rep.Tables, st)
	}
	return rep, nil
}

// debugRouter serves /metrics, /queue and /healthz for a running host.
func (h *host) debugRouter(accessLogger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(withAccessLog(accessLogger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), queueStatsTimeout)
		defer cancel()
		rep, err := h.collectQueueStats(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})
	r.Post("/flush", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), h.cfg.Sender.RequestTimeout)
		defer cancel()
		for _, s := range h.senders() {
			if err := s.Flush(ctx); err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]string{"table": s.Table(), "error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
