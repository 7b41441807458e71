// Package api exposes the management REST surface: IP rule CRUD with its
// audit trail, queue inspection, and the interactive OAuth flows.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/SilvioTormen/smtprelay-sub001/internal/access"
	"github.com/SilvioTormen/smtprelay-sub001/internal/queue"
	"github.com/SilvioTormen/smtprelay-sub001/internal/token"
)

// Config holds the management listener settings.
type Config struct {
	Listen         string
	AllowedOrigins []string
}

// Server serves the management API.
type Server struct {
	cfg    Config
	ctl    *access.Controller
	queue  *queue.Queue
	tokens *token.Manager

	httpSrv *http.Server
}

// NewServer wires the management API over the access controller, the spool,
// and the token manager. The token manager may be nil when no tenant is
// configured.
func NewServer(cfg Config, ctl *access.Controller, q *queue.Queue, tokens *token.Manager) *Server {
	return &Server{cfg: cfg, ctl: ctl, queue: q, tokens: tokens}
}

// Routes builds the router. Split out from ListenAndServe so tests can
// drive the handlers without a socket.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.managementGuard)

		r.Route("/access", func(r chi.Router) {
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleAddRule)
			r.Delete("/rules", s.handleRemoveRule)
			r.Get("/audit", s.handleAudit)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
			r.Get("/test/{ip}", s.handleTestIP)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleListQueue)
			r.Get("/{id}", s.handleGetQueueItem)
			r.Post("/{id}/requeue", s.handleRequeue)
			r.Delete("/{id}", s.handleRemoveQueueItem)
		})

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/status", s.handleOAuthStatus)
			r.Post("/device", s.handleStartDeviceFlow)
			r.Delete("/token", s.handleInvalidateToken)
		})

		r.Get("/status", s.handleStatus)
	})

	return r
}

// ListenAndServe runs the management listener until the context is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("management API listening", "addr", s.cfg.Listen)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// managementGuard rejects callers outside the management allow list. The
// check uses the socket address, not forwarded headers, so it cannot be
// spoofed by a client.
func (s *Server) managementGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := requestIP(r)
		if !s.ctl.IsManagementAllowed(ip) {
			slog.Warn("management request denied", "ip", ip, "path", r.URL.Path)
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestIP extracts the peer address of the underlying connection.
func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// actor identifies who performed a mutation in the audit trail. Falls back
// to the caller's IP when no X-Actor header is present.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return requestIP(r)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
