package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server is the public API server.
type Server struct {
	httpServer *http.Server
	port       int
	handler    *Handler
}

// NewServer creates a new API server
func NewServer(port int, handler *Handler) *Server {
	return &Server{
		port:    port,
		handler: handler,
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.handler.Routes(),
		ReadTimeout: 30 * time.Second,
		// Video compilation responses can take minutes; don't cut them off.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
