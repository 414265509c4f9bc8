package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server runs the API router until its context is cancelled.
type Server struct {
	addr   string
	server *http.Server
	logger *slog.Logger
}

func NewServer(addr string, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: d.Logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second, // manual clustering waits on the classifier
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}
}

// Start listens on the configured address and serves until ctx is cancelled.
// See Serve.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve blocks serving requests on ln. Cancelling ctx shuts the server down;
// Serve returns only after in-flight requests finish or shutdownTimeout
// passes.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	stopped := make(chan struct{})
	shutdownErr := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr <- s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server started", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		close(stopped)
		return err
	}
	if err := <-shutdownErr; err != nil {
		s.logger.Warn("api shutdown", "err", err)
		return err
	}
	s.logger.Info("api server stopped")
	return nil
}
