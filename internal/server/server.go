// Package server implements the HTTP surface of the update daemon.
//
// It exposes:
//   - a GitHub push webhook that triggers an update check and apply,
//     gated by HMAC-SHA256 signature verification
//   - status and health endpoints for monitoring
//   - a maintenance gate returning 503 to non-whitelisted clients while
//     an update window is active; loopback clients always pass
//
// Security posture: signature verification on the trigger endpoint,
// per-IP rate limiting, payload size limits, and content-type checks.
package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
	"github.com/mioxoim/whisper-appliance-sub001/internal/maintenance"
	"github.com/mioxoim/whisper-appliance-sub001/internal/settings"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updater"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updconfig"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/templates"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	RequestTimeout = 60 * time.Second

	// Requests per minute.
	GlobalRateLimit  = 30
	WebhookRateLimit = 4
)

// Server is the update daemon's HTTP server.
type Server struct {
	Updater     *updater.Updater
	Config      *updconfig.Manager
	Maintenance *maintenance.Manager
	History     *history.History
	Settings    *settings.Settings
	Logger      *slog.Logger
	TestMode    bool
	updateWg    sync.WaitGroup
}

// New creates a server. History may be nil; the status endpoint then omits
// recent attempts.
func New(upd *updater.Updater, cfg *updconfig.Manager, maint *maintenance.Manager,
	hist *history.History, set *settings.Settings, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Updater:     upd,
		Config:      cfg,
		Maintenance: maint,
		History:     hist,
		Settings:    set,
		Logger:      logger,
		TestMode:    testMode,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, time.Minute, s.Logger))
	}
	r.Use(s.maintenanceGate)

	r.Get("/health", s.HandleHealth)
	r.Get("/status", s.HandleStatus)

	if s.Settings.WebhookEnabled() {
		webhook := r.With()
		if !s.TestMode {
			webhook = r.With(NewRateLimitMiddleware(WebhookRateLimit, time.Minute, s.Logger))
		}
		webhook.Post("/webhook", s.HandleWebhook)
	}

	return r
}

// maintenanceGate returns 503 to non-whitelisted clients while maintenance
// mode is active. The health endpoint stays reachable so external monitors
// keep working through an update window.
func (s *Server) maintenanceGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !s.Maintenance.IsActive() {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if s.Maintenance.AllowIP(ip) {
			next.ServeHTTP(w, r)
			return
		}

		state := s.Maintenance.Status()
		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			var eta string
			if state.EstimatedEnd != nil {
				eta = "Estimated end: " + state.EstimatedEnd.Format("15:04 MST")
			}
			page, err := templates.RenderMaintenancePage(state.Title, state.Message, eta)
			if err == nil {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, page)
				return
			}
			s.Logger.Error("Failed to render maintenance page", "error", err)
		}
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"maintenance": true,
			"title":       state.Title,
			"message":     state.Message,
		})
	})
}

// clientIP extracts the client address. The RealIP middleware has already
// rewritten RemoteAddr when forwarding headers are present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Start runs the HTTP server until it fails.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("starting HTTP server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return server.ListenAndServe()
}

// Wait blocks until in-flight asynchronous updates finish. Tests use it to
// observe webhook-triggered work.
func (s *Server) Wait() {
	s.updateWg.Wait()
}
