package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/daemon"
	"github.com/maskelog/esp32-music-info/internal/observer"
)

// Service is the daemon as seen by the control API
type Service interface {
	CurrentTrack() string
	Track() daemon.TrackState
	ConnectionTarget() string
	SetConnectionTarget(ctx context.Context, address string) error
	StartRelay() error
	StopRelay()
	RelayRunning() bool
	SelectedPlayer() string
	SetSelectedPlayer(ctx context.Context, player string) error
	Players() ([]observer.Player, error)
	Status() daemon.Status
}

// Config configures the control server
type Config struct {
	Listen      string
	CORSOrigins []string
}

// Server serves the control API and the live feed
type Server struct {
	cfg      Config
	svc      Service
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates the control server for svc
func NewServer(cfg Config, svc Service, hub *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		hub:      hub,
		upgrader: newUpgrader(cfg.CORSOrigins),
		logger:   logger.With().Str("component", "control").Logger(),
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	if len(s.cfg.CORSOrigins) > 0 {
		config := cors.DefaultConfig()
		config.AllowOrigins = s.cfg.CORSOrigins
		config.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
		config.AllowHeaders = []string{"Origin", "Content-Type"}
		r.Use(cors.New(config))
	}

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.GET("/track", s.getTrack)
		api.GET("/target", s.getTarget)
		api.PUT("/target", s.putTarget)

		relay := api.Group("/relay")
		{
			relay.POST("/start", s.startRelay)
			relay.POST("/stop", s.stopRelay)
		}

		api.GET("/player", s.getPlayer)
		api.PUT("/player", s.putPlayer)
		api.GET("/players", s.getPlayers)

		api.GET("/status", s.getStatus)
		api.GET("/ws", s.feed)
	}

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Control API listening")

	select {
	case err := <-errc:
		return fmt.Errorf("control server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down control server: %w", err)
	}
	return ctx.Err()
}

// requestLogger logs every request at debug level
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
