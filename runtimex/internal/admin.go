package internal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/httpx"
)

// HealthMux serves /health, /ready and /live from the global checker
// registry. ready reports whether the launcher has services running.
func HealthMux(logger log.Logger, ready func() bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		results := CheckAll(r.Context())
		checks := make(map[string]string, len(results))
		status, code := "healthy", http.StatusOK
		for _, res := range results {
			if res.Error != nil {
				checks[res.Name] = res.Error.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
				logger.Warn("health check failed", log.Str("check", res.Name), log.Str("reason", res.Error.Error()))
				continue
			}
			checks[res.Name] = "ok"
		}
		_ = httpx.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			_ = httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": "no service running"})
			return
		}
		if err := CheckHealth(r.Context()); err != nil {
			_ = httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	return httpx.SecureMiddleware(httpx.DefaultSecurityHeaders())(httpx.ReadOnly(mux))
}

// AdminServer runs the health and metrics listeners of a launcher.
type AdminServer struct {
	logger  log.Logger
	servers []*http.Server
}

// NewAdminServer creates an admin server with no listeners.
func NewAdminServer(logger log.Logger) *AdminServer {
	return &AdminServer{logger: logger}
}

// Add registers a listener. Empty addresses are ignored.
func (a *AdminServer) Add(name, addr string, handler http.Handler) {
	if addr == "" || handler == nil {
		return
	}
	a.servers = append(a.servers, &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	})
	a.logger.Debug("admin listener configured", log.Str("server", name), log.Str("addr", addr))
}

// Start binds every listener and serves in the background using listen.
// A listener that cannot bind is logged and skipped; the worker keeps running.
func (a *AdminServer) Start(ctx context.Context, listen func(ctx context.Context, addr string) (net.Listener, error), spawn func(func())) {
	for _, srv := range a.servers {
		ln, err := listen(ctx, srv.Addr)
		if err != nil {
			a.logger.Error(err, "admin listener failed to bind", log.Str("addr", srv.Addr))
			continue
		}
		a.logger.Info("admin listener started", log.Str("addr", ln.Addr().String()))
		spawn(func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error(err, "admin listener stopped", log.Str("addr", srv.Addr))
			}
		})
	}
}

// Shutdown stops every listener within ctx.
func (a *AdminServer) Shutdown(ctx context.Context) {
	for _, srv := range a.servers {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error(err, "admin listener shutdown failed", log.Str("addr", srv.Addr))
		}
	}
}
