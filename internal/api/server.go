package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Server struct {
	router *chi.Mux
}

// NewServer wraps the given route groups with the shared middleware stack.
func NewServer(mounts ...func(chi.Router)) *Server {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RealIP,
		middleware.RequestID,
		accessLog(func(r *http.Request) bool { return r.URL.Path == "/healthz" || r.URL.Path == "/metrics" }),
	)
	for _, mount := range mounts {
		mount(r)
	}
	return &Server{router: r}
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on port until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to listen and serve: %w", err)
	case <-ctx.Done():
	}

	log.Ctx(ctx).Info().Msg("server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Ctx(ctx).Info().Msg("server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
