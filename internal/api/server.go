package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/registry"
	"github.com/aifx-io/aifx/internal/signal"
)

// Generator produces a signal on demand for ad-hoc requests.
type Generator interface {
	Generate(ctx context.Context, inst market.Instrument) (*signal.Signal, error)
}

// History serves candle series for market endpoints.
type History interface {
	GetSeries(ctx context.Context, inst market.Instrument, n int) (*market.Series, error)
}

// Collector ingests bulk candle batches.
type Collector interface {
	Ingest(ctx context.Context, candles []market.Candle) (written int, skipped int, err error)
}

// Server is the REST API server.
type Server struct {
	router     *gin.Engine
	server     *http.Server
	addr       string
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	db        *db.DB
	generator Generator
	history   History
	collector Collector
	registry  *registry.Registry
	positions *positions.Service

	health func(ctx context.Context) map[string]string
}

// Deps carries the server's collaborators.
type Deps struct {
	DB        *db.DB
	Generator Generator
	History   History
	Collector Collector
	Registry  *registry.Registry
	Positions *positions.Service
	Health    func(ctx context.Context) map[string]string
}

// NewServer creates the API server.
func NewServer(cfg *config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	if cfg.EnableCORS {
		origins := []string{"*"}
		if cfg.TrustedOrigin != "" {
			origins = []string{cfg.TrustedOrigin}
		}
		router.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: cfg.TrustedOrigin != "",
			MaxAge:           12 * time.Hour,
		}))
	}

	s := &Server{
		router:     router,
		addr:       cfg.GetAPIAddr(),
		jwtSecret:  []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		db:         deps.DB,
		generator:  deps.Generator,
		history:    deps.History,
		collector:  deps.Collector,
		registry:   deps.Registry,
		positions:  deps.Positions,
		health:     deps.Health,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authMiddleware())

	trading := v1.Group("/trading")
	{
		trading.GET("/signal", s.handleGetSignal)
		trading.POST("/analyze", s.handleAnalyze)
	}

	marketGroup := v1.Group("/market")
	{
		marketGroup.GET("/realtime/:pair", s.handleRealtime)
		marketGroup.GET("/history/:pair", s.handleHistory)
		marketGroup.POST("/data/bulk", s.requireService(), s.handleBulkIngest)
	}

	pos := v1.Group("/positions")
	{
		pos.POST("/open", s.handleOpenPosition)
		pos.POST("/close", s.handleClosePosition)
		pos.PUT("/:id/adjust", s.handleAdjustPosition)
		pos.GET("/:id", s.handleGetPosition)
		pos.GET("/user/:id", s.handleListPositions)
	}

	subs := v1.Group("/subscriptions")
	{
		subs.POST("", s.handleSubscribe)
		subs.DELETE("/:id", s.handleUnsubscribe)
		subs.GET("/user/:id", s.handleListSubscriptions)
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := map[string]string{}
	if s.health != nil {
		checks = s.health(c.Request.Context())
	}

	healthy := true
	for _, status := range checks {
		if status != "ok" {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": map[bool]string{true: "ok", false: "degraded"}[healthy], "checks": checks})
}

func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
