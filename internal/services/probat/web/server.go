// Package web serves the demo page: one experimented button rendered on the
// server and kept live over a websocket.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/probat/internal/platform/timeouts"
	"github.com/louisbranch/probat/internal/services/probat/app"
)

// Config defines the inputs for the demo HTTP boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Demo              Demo
}

// Server hosts the demo HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	runtime         *app.Runtime
}

// NewServer builds a demo server on top of rt. The server owns rt from here
// on and closes it in Close.
func NewServer(config Config, rt *app.Runtime) (*Server, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           NewHandler(rt, config.Demo),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		runtime: rt,
	}, nil
}

// Run creates and serves a demo server until the context ends.
func Run(ctx context.Context, config Config, rt *app.Runtime) error {
	server, err := NewServer(config, rt)
	if err != nil {
		return fmt.Errorf("init demo server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve demo: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("demo server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("probat: demo listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close flushes pending metrics and releases storage.
func (s *Server) Close() {
	if s == nil || s.runtime == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.runtime.Close(ctx); err != nil {
		log.Printf("probat: close runtime: %v", err)
	}
}
