package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/middleware"
)

// Registrar attaches routes to a mux. Every handler in internal/http/handlers
// satisfies it.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// Server wraps an http.Server with configured routes.
type Server struct {
	inner  *http.Server
	logger logging.Logger
}

// New wires up middleware and routes and returns a ready server.
func New(addr string, corsOrigins []string, logger logging.Logger, routes ...Registrar) *Server {
	mux := http.NewServeMux()
	for _, r := range routes {
		r.Register(mux)
	}

	handler := middleware.Chain(mux,
		middleware.CORS(corsOrigins),
		middleware.Logging(logger),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{inner: httpServer, logger: logger}
}

// Handler exposes the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Run serves on ln until ctx is cancelled, then drains in-flight requests
// for at most shutdownTimeout.
func (s *Server) Run(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		errCh <- s.inner.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.inner.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info(ctx, "http server stopped")
	return nil
}

// ListenAndRun listens on the configured address and calls Run.
func (s *Server) ListenAndRun(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.inner.Addr)
	if err != nil {
		return err
	}
	return s.Run(ctx, ln, shutdownTimeout)
}
