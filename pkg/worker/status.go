package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusRouter exposes health, metrics and the session table.
func StatusRouter(w *Worker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		respondJSON(rw, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"engine":   w.engine.Name(),
			"sessions": len(w.Sessions()),
		})
	})
	r.Get("/sessions", func(rw http.ResponseWriter, _ *http.Request) {
		respondJSON(rw, http.StatusOK, map[string]interface{}{"sessions": w.Sessions()})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func respondJSON(rw http.ResponseWriter, status int, payload interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// ServeStatus serves StatusRouter on addr until ctx ends.
func ServeStatus(ctx context.Context, addr string, w *Worker) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           StatusRouter(w),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	debugLog.Infof("Status server listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
