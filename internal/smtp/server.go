package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/auth"
	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// TLSMode selects how a listener negotiates TLS.
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSImplicit TLSMode = "implicit"
	TLSStartTLS TLSMode = "starttls"
)

// AuthMode selects a listener's authentication requirement.
type AuthMode string

const (
	// AuthRequired rejects MAIL FROM until the peer authenticated or
	// qualifies for the no-auth IP bypass.
	AuthRequired AuthMode = "required"

	// AuthOptional advertises AUTH like AuthRequired; anonymous relay is
	// still limited to IPs in the no-auth category.
	AuthOptional AuthMode = "optional"

	// AuthDisabled never advertises AUTH; only no-auth category IPs may
	// relay. This is the classic port-25 appliance listener.
	AuthDisabled AuthMode = "disabled"
)

// ListenerConfig describes one protocol endpoint. Immutable after startup.
type ListenerConfig struct {
	ID         string
	Listen     string
	TLSMode    TLSMode
	Auth       AuthMode
	Mechanisms []string
}

// Enqueuer is the retry queue surface the listener needs: durable
// acceptance, nothing more.
type Enqueuer interface {
	Enqueue(env *email.Envelope) (string, error)
}

// ServerConfig holds the shared configuration for all listeners.
type ServerConfig struct {
	Hostname       string
	Listeners      []ListenerConfig
	RelayDomains   []string
	MaxMessageSize int64

	Auth    *auth.Handler
	Queue   Enqueuer
	TLS     *tls.Config
}

// Server terminates the configured SMTP listeners and feeds accepted
// envelopes into the retry queue.
type Server struct {
	config ServerConfig

	mu        sync.Mutex
	listeners []net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server; listeners are opened by ListenAndServe.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 25 * 1024 * 1024
	}
	return &Server{config: cfg}
}

// ListenAndServe opens every configured listener and blocks until the
// context is cancelled. Shutdown stops accepting first, then waits up to
// shutdownTimeout for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, lc := range s.config.Listeners {
		ln, err := s.open(lc)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		slog.Info("SMTP listener up",
			"id", lc.ID,
			"addr", ln.Addr().String(),
			"tls_mode", lc.TLSMode,
			"auth", lc.Auth,
		)

		wg.Add(1)
		go func(lc ListenerConfig, ln net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, lc, ln)
		}(lc, ln)
	}

	<-ctx.Done()
	slog.Info("shutting down SMTP listeners")
	s.closeListeners()
	wg.Wait()
	s.waitForSessions()
	return nil
}

func (s *Server) open(lc ListenerConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", lc.Listen)
	if err != nil {
		return nil, err
	}
	if lc.TLSMode == TLSImplicit {
		ln = tls.NewListener(ln, s.config.TLS)
	}
	return ln, nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ctx context.Context, lc ListenerConfig, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// listener closed underneath us
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(conn, lc, s.config)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all SMTP sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addrs returns the bound listener addresses, for tests that listen on
// port 0.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}
