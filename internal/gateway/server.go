package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start while a listener is live.
var ErrAlreadyRunning = errors.New("server is already running")

// Server owns the single gateway listener slot.
type Server struct {
	logger *slog.Logger

	mu     sync.Mutex
	handle *serverHandle
}

type serverHandle struct {
	cfg       Config
	srv       *http.Server
	proxy     *Proxy
	addr      string
	startedAt time.Time
	done      chan struct{}
}

// NewServer creates an idle gateway server. A nil logger uses slog.Default().
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger}
}

// Start binds the configured address and serves the proxy in the
// background.
func (s *Server) Start(ctx context.Context, cfg Config) error {
	if err := validateBindAddress(cfg.BindHost, cfg.BindPort); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return ErrAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind gateway on %s: %w", cfg.Addr(), err)
	}

	proxy := NewProxy(cfg, s.logger)
	h := &serverHandle{
		cfg:   cfg,
		proxy: proxy,
		srv: &http.Server{
			Handler:           proxy,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:      ln.Addr().String(),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.handle = h

	go func() {
		defer close(h.done)
		err := h.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway listener failed", "addr", h.addr, "error", err)
			s.mu.Lock()
			if s.handle == h {
				s.handle = nil
			}
			s.mu.Unlock()
		}
	}()

	s.logger.Info(fmt.Sprintf("Gateway listening on %s", h.addr), "prefix", cfg.PathPrefix, "upstream", cfg.UpstreamURL)
	return nil
}

// Stop closes the listener and every open connection without draining. It
// is a no-op when nothing is running.
func (s *Server) Stop() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		s.logger.Debug("No gateway was running")
		return nil
	}

	err := h.srv.Close()
	<-h.done
	h.proxy.Close()
	s.logger.Info(fmt.Sprintf("Gateway on %s stopped", h.addr))
	if err != nil {
		return fmt.Errorf("failed to close gateway listener: %w", err)
	}
	return nil
}

// Running reports whether a listener is live.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Addr returns the bound address of the live listener, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.addr
}

// Config returns the configuration of the live listener.
func (s *Server) Config() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Config{}, false
	}
	return s.handle.cfg, true
}

// StartedAt returns when the live listener was started.
func (s *Server) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return time.Time{}
	}
	return s.handle.startedAt
}

func validateBindAddress(host string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid address: port %d out of range", port)
	}
	if host == "localhost" {
		return nil
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("invalid address: %q is not an IP address", host)
	}
	return nil
}
