package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"robogate/internal/config"
	"robogate/internal/watchdog"
)

// Server runs the HTTP/WebSocket surface of the gateway: the dispatch
// endpoint, the consumer-facing payload read, and the event stream.
type Server struct {
	cfg      config.APIConfig
	hub      *Hub
	handlers *Handlers
	events   <-chan watchdog.Event
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. events may be nil when the watchdog is
// disabled.
func NewServer(cfg config.APIConfig, dispatcher Dispatcher, store PayloadReader, keys KeyResolver, events <-chan watchdog.Event, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(dispatcher, store, keys, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/requests", handlers.HandleDispatch)
	mux.HandleFunc("/api/payload", handlers.HandlePayload)
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
		hub:      hub,
		handlers: handlers,
		events:   events,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event consumer, and the listener. Blocks until the
// server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards watchdog lifecycle events to connected clients.
func (s *Server) consumeEvents() {
	if s.events == nil {
		return
	}
	for evt := range s.events {
		s.hub.BroadcastEvent(StreamEvent{
			Type:      "token_" + evt.Type,
			Timestamp: evt.At,
			Data:      evt,
		})
	}
}
