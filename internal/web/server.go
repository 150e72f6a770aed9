package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/storage"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	ledger     *ledger.Ledger
	store      *instance.Store
	repo       *storage.Repository
	config     *config.Config
	logger     *logger.Logger
	started    time.Time
}

func NewServer(l *ledger.Ledger, store *instance.Store, repo *storage.Repository, cfg *config.Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ledger:  l,
		store:   store,
		repo:    repo,
		config:  cfg,
		logger:  log,
		started: time.Now(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/allocations", s.handleAllocations)
	api.GET("/instances", s.handleInstances)
	api.GET("/signals", s.handleSignals)
	api.GET("/orders", s.handleOrders)
	api.GET("/discrepancies", s.handleDiscrepancies)
	api.GET("/backfill/runs", s.handleBackfillRuns)
	api.GET("/backfill/flags", s.handleBackfillFlags)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
