package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"clob-engine/internal/config"
)

// Server runs the HTTP/WebSocket event stream.
type Server struct {
	cfg      config.APIConfig
	provider MarketSnapshotProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires an HTTP/WebSocket server around an existing Hub. Create
// the Hub first, wrap it in a Broadcaster and pass that to engine.New as
// the EventPublisher, then pass the same Hub here — that way engine
// publishes reach subscribers without the server depending on the engine
// at construction time.
func NewServer(cfg config.APIConfig, provider MarketSnapshotProvider, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub and the HTTP server. Blocks until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("event stream server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping event stream server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
