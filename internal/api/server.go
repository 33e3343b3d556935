// Package api implements the HTTP surface from spec.md §6: task
// submission, batch submission, lookup, listing, and health — each
// domain error mapped to the status code the spec's table prescribes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/example/dts/internal/storage/sqlite"
)

// Server wraps the Repository behind an http.ServeMux, mirroring the
// teacher's HTTPServer: a dedicated listener, a graceful Shutdown tied
// to context cancellation, and health endpoints that need no auth.
type Server struct {
	repo        *sqlite.Repository
	log         *slog.Logger
	httpServer  *http.Server
	listener    net.Listener
	addr        string
	maxAttempts int
}

func NewServer(repo *sqlite.Repository, addr string, maxAttempts int, log *slog.Logger) *Server {
	return &Server{repo: repo, addr: addr, maxAttempts: maxAttempts, log: log}
}

// Start builds the route table, binds the listener, and serves until
// ctx is cancelled, at which point it shuts down within 5s.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("POST /tasks/batch", s.handleCreateTasksBatch)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("api server listening", "addr", s.listener.Addr().String())
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address, useful in tests that listen on :0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
