package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/drblury/taskbus/internal/runtime/logging"
)

// Server runs the admin router on one port.
type Server struct {
	srv    *http.Server
	logger logging.ServiceLogger
	done   chan error
}

// NewServer prepares a server for handler on port. Port 0 picks a free port
// when Start listens.
func NewServer(port int, handler http.Handler, logger logging.ServiceLogger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(logging.LogFields{"component": "admin"}),
		done:   make(chan error, 1),
	}
}

// Start listens and serves in the background. It returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	addr := ln.Addr().String()
	s.logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("HTTP server stopped", err, logging.LogFields{"address": addr})
		}
		s.done <- err
	}()
	return addr, nil
}

// Shutdown stops accepting requests and waits for active ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
