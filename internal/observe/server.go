package observe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

const checkTimeout = 5 * time.Second

// Checker is a named readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter serves /healthz (liveness), /readyz (all checkers pass) and
// /metrics.
func NewRouter(checkers ...Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		res := healthResult{Status: "ok", Checks: make(map[string]string, len(checkers))}
		status := http.StatusOK
		for _, c := range checkers {
			ctx, cancel := context.WithTimeout(req.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()
			if err != nil {
				res.Checks[c.Name] = "fail: " + err.Error()
				res.Status = "fail"
				status = http.StatusServiceUnavailable
				continue
			}
			res.Checks[c.Name] = "ok"
		}
		writeJSON(w, status, res)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the ops server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("ops server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
