// Package api serves the bot's operational surface: a JSON status
// snapshot, a Server-Sent-Events stream of decisions and trades, the
// sentiment webhook, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bithumb-scalper/internal/config"
)

// Server runs the status HTTP API.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. The provider is the engine; the sentiment
// sink is the signal ensemble.
func NewServer(cfg config.DashboardConfig, provider StatusProvider, sentiment SentimentSetter, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, sentiment, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/events", handlers.HandleEvents)
	mux.HandleFunc("/webhook/sentiment", handlers.HandleSentimentWebhook)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/events holds its response open for the
		// life of the subscriber.
		IdleTimeout: 60 * time.Second,
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

// Start serves HTTP until Stop is called. Blocks, so run it in a
// goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop disconnects the stream clients and gracefully drains the rest.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards engine events to the stream subscribers. Returns
// when the engine closes its event channel.
func (s *Server) consumeEvents() {
	ch := s.provider.Events()
	if ch == nil {
		return
	}
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}
