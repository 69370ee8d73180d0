// Package server exposes the rate limiting engine over HTTP: a check
// endpoint for sidecar-style callers, reset and stats endpoints for
// operators, and the Prometheus metrics surface.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"rategate/internal/common/logging"
)

// Server wraps the http.Server lifecycle.
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
	logger  logging.Logger
}

// New creates a server for the given handler. TLS is enabled when both cert
// and key paths are set.
func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
		logger:  logging.GetGlobalLogger(),
	}
}

// Start begins serving in a background goroutine and returns immediately.
// Listen failures after startup are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	serve := s.srv.ListenAndServe
	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		cert, key := s.tlsCert, s.tlsKey
		serve = func() error { return s.srv.ListenAndServeTLS(cert, key) }
	}

	go func() {
		s.logger.Info("http server listening", logging.String("addr", s.srv.Addr))
		if err := serve(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
