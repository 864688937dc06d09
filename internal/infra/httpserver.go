package infra

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// APIServer serves the public API. It binds before serving so the resolved
// address can be logged, and drains in-flight submissions and webhooks once
// its context ends.
type APIServer struct {
	srv    *http.Server
	ln     net.Listener
	drain  time.Duration
	logger zerolog.Logger
}

// NewAPIServer configures the server from cfg. net/http's own errors, such
// as recovered handler panics, are written to logger.
func NewAPIServer(cfg *Config, handler http.Handler, logger zerolog.Logger) *APIServer {
	httpLog := logger.With().Str("component", "net/http").Logger()
	return &APIServer{
		srv: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			ErrorLog:          stdlog.New(httpLog, "", 0),
		},
		drain:  cfg.HTTPIdleTimeout,
		logger: logger,
	}
}

// Listen binds the configured port. Port "0" picks a free one.
func (s *APIServer) Listen() (net.Addr, error) {
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("api server: listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Serve blocks until ctx ends or serving fails, binding first if Listen was
// not called. Cancellation triggers a graceful drain bounded by the idle
// timeout; a clean drain returns nil.
func (s *APIServer) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", addr.String()).Msg("api server listening")

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drain)
	defer cancel()
	if err := s.srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("api server: drain: %w", err)
	}
	s.logger.Info().Msg("api server drained")
	return nil
}
