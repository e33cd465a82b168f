package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/micro-ha/northtracker/addon/internal/http/handlers"
)

// Commands can sit behind vendor retries and backoff, so the budget is
// wider than a plain read needs.
const requestTimeout = 60 * time.Second

// NewRouter builds full HTTP routing tree for the backend API.
func NewRouter(api *handlers.API, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(api))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Ingress-Path"},
		MaxAge:         300,
	}))
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)
	r.Route("/api", func(apiRouter chi.Router) {
		// Long-lived; kept out of the request timeout.
		apiRouter.Get("/ws", api.Stream)

		apiRouter.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(requestTimeout))

			g.Get("/status", api.Status)
			g.Post("/refresh", api.Refresh)
			g.Get("/changes", api.ListChanges)
			g.Get("/known-devices", api.ListKnownDevices)
			g.Post("/auth/check", api.CheckCredentials)

			g.Get("/devices", api.ListDevices)
			g.Get("/devices/{key}", func(w http.ResponseWriter, r *http.Request) {
				api.GetDevice(w, r, chi.URLParam(r, "key"))
			})
			g.Get("/devices/{key}/changed", func(w http.ResponseWriter, r *http.Request) {
				api.DeviceChanged(w, r, chi.URLParam(r, "key"))
			})
			g.Post("/devices/{key}/outputs/{n}", func(w http.ResponseWriter, r *http.Request) {
				api.SetOutput(w, r, chi.URLParam(r, "key"), chi.URLParam(r, "n"))
			})
			g.Post("/devices/{key}/inputs/{n}", func(w http.ResponseWriter, r *http.Request) {
				api.SetInputAlert(w, r, chi.URLParam(r, "key"), chi.URLParam(r, "n"))
			})
			g.Put("/devices/{key}/low-battery", func(w http.ResponseWriter, r *http.Request) {
				api.SetLowBatteryAlert(w, r, chi.URLParam(r, "key"))
			})
		})
	})
	return r
}

// RunServer starts and gracefully stops HTTP server with context cancellation.
func RunServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
