package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
	"slotworker/internal/usecase"
)

type enqueueReq struct {
	RunID    string            `json:"run_id"`
	Task     string            `json:"task"`
	Input    json.RawMessage   `json:"input"`
	Metadata map[string]string `json:"additional_metadata"`
	Priority int               `json:"priority"`
	RunAt    *int64            `json:"run_at_ms"` // optional delayed
}

// EnqueueRoutes serves POST /enqueue and GET /tasks/{id}.
func EnqueueRoutes(q ports.Queue) func(chi.Router) {
	enq := usecase.Enqueuer{Q: q}

	return func(r chi.Router) {
		r.Post("/enqueue", func(w http.ResponseWriter, r *http.Request) {
			var req enqueueReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			t := domain.TaskInstance{
				RunID:    req.RunID,
				TaskName: req.Task,
				Input:    req.Input,
				Metadata: req.Metadata,
				Priority: req.Priority,
			}

			var (
				id  string
				err error
			)
			if req.RunAt != nil {
				id, err = enq.At(r.Context(), t, time.UnixMilli(*req.RunAt))
			} else {
				id, err = enq.Now(r.Context(), t)
			}
			switch {
			case errors.Is(err, usecase.ErrNoTaskName):
				writeError(w, http.StatusBadRequest, err)
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
		})

		r.Get("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
			t, err := q.Get(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if t == nil {
				writeError(w, http.StatusNotFound, errors.New("task not found"))
				return
			}
			writeJSON(w, http.StatusOK, t)
		})
	}
}
