// ABOUTME: HTTP server lifecycle for the meeting-room gateway
// ABOUTME: Owns the mux, listener setup, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/warroom-gateway/internal/bus"
	"github.com/2389/warroom-gateway/internal/config"
	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/scheduler"
)

// Server is the JSON-over-HTTP request surface. It is a thin layer: all
// orchestration rules live in the scheduler and repository; the server
// translates requests and maps sentinel errors onto status codes.
type Server struct {
	cfg    config.ServerConfig
	repo   *room.Repository
	sched  *scheduler.Scheduler
	bus    *bus.Broadcaster
	logger *slog.Logger

	httpServer *http.Server
}

// New wires the request surface over the repository, scheduler, and bus.
func New(cfg config.ServerConfig, repo *room.Repository, sched *scheduler.Scheduler, b *bus.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		repo:   repo,
		sched:  sched,
		bus:    b,
		logger: logger.With("component", "gateway"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/meetings", s.handleCreateMeeting)
	mux.HandleFunc("GET /api/meetings", s.handleListMeetings)
	mux.HandleFunc("GET /api/meetings/{id}", s.handleGetMeeting)
	mux.HandleFunc("GET /api/meetings/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("POST /api/meetings/{id}/participants", s.handleAddParticipant)
	mux.HandleFunc("POST /api/meetings/{id}/topics", s.handleCreateTopic)
	mux.HandleFunc("POST /api/meetings/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /api/meetings/{id}/attachments", s.handlePostAttachment)
	mux.HandleFunc("POST /api/meetings/{id}/control", s.handleControl)
	mux.HandleFunc("GET /api/meetings/{id}/events", s.handleEvents)

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time shutdown starts.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sched.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	s.bus.Close()
	return nil
}
