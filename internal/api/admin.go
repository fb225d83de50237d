package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotworker/internal/usecase"
)

const maxEventBytes = 1 << 20

// Admin is the part of the worker runtime exposed over HTTP.
type Admin interface {
	Stats() usecase.Stats
	Cancel(runID string) bool
	Publish(key string, payload []byte) int
}

// AdminRoutes serves health, stats, run cancellation, durable events and metrics.
func AdminRoutes(a Admin) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, a.Stats())
		})

		r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if !a.Cancel(id) {
				writeError(w, http.StatusNotFound, errors.New("run is not executing on this worker"))
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
		})

		r.Post("/events/{key}", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if len(body) == 0 {
				body = []byte("null")
			}
			if !json.Valid(body) {
				writeError(w, http.StatusBadRequest, errors.New("event payload must be JSON"))
				return
			}
			n := a.Publish(chi.URLParam(r, "key"), body)
			writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
		})

		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
}
