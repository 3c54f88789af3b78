package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server runs a Handler on a TCP address.
type Server struct {
	addr    string
	handler http.Handler
	log     logger.Logger
}

// NewServer returns a server for addr.
func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{addr: addr, handler: handler, log: logger.Ensure(log)}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. Open
// tunnels are closed through the request context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	s.log.InfoObj("proxy listening", "proxy_meta", map[string]any{"bind": ln.Addr().String()})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve proxy: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown proxy: %w", err)
	}
	s.log.InfoObj("proxy stopped", "proxy_meta", map[string]any{"bind": ln.Addr().String()})
	return nil
}
