package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/runnermp/runner-mp/go/internal/race"
	"github.com/runnermp/runner-mp/go/internal/track"
)

// Service is the race gateway: WebSocket, SSE and REST transports over one
// session registry.
type Service struct {
	config Config

	registry          *race.Registry
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	sseHandler        *SSEHandler
	restHandler       *RESTHandler
	stateHandler      *StateHandler
	presence          *PresencePusher
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	PresenceInterval time.Duration
	SSEKeepAlive     time.Duration
	SSEBufferSize    int
	ReapInterval     time.Duration
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		PresenceInterval: time.Second,
		SSEKeepAlive:     15 * time.Second,
		SSEBufferSize:    256,
		ReapInterval:     10 * time.Second,
	}
}

// NewService creates a new gateway service
func NewService(config Config, registry *race.Registry, geometries *track.Geometries, clock clockwork.Clock) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, registry, clock)

	return &Service{
		config:            config,
		registry:          registry,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		sseHandler:        NewSSEHandler(registry, clock, config.SSEKeepAlive, config.SSEBufferSize),
		restHandler:       NewRESTHandler(registry),
		stateHandler:      NewStateHandler(registry, geometries, clock),
		presence:          NewPresencePusher(registry, connectionManager, clock, config.PresenceInterval),
	}
}

// Start runs the presence pusher and the session janitor until ctx is
// cancelled, then stops the service.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting race gateway service")

	go s.presence.Run(ctx)
	go s.registry.Run(ctx, s.config.ReapInterval)

	<-ctx.Done()

	log.Info().Msg("race gateway service shutting down")
	return s.Stop()
}

// Stop closes every connection and session.
func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	s.registry.Close()
	log.Info().Msg("race gateway service stopped")
	return nil
}

// RegisterRoutes registers every gateway route on mux
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.sseHandler.RegisterRoutes(mux)
	s.restHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterRoutes(mux)
	log.Info().Msg("race gateway routes registered")
}

// Handler returns the routes wrapped with CORS and HTTP/2 cleartext support.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// Presence exposes the pusher so callers can trigger a push.
func (s *Service) Presence() *PresencePusher {
	return s.presence
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
