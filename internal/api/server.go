package api

import (
	"fmt"
	"net/http"
	"time"

	"gatewatch/config"
	"gatewatch/internal/api/handlers"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/escalation"
	"gatewatch/internal/imaging"
	"gatewatch/internal/sse"
	"gatewatch/internal/stream"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server assembles the HTTP API.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
}

// NewServer builds the router with all handlers registered.
func NewServer(cfg *config.Config, repo repository.Repository, streams *stream.Registry,
	engine *escalation.Engine, hub *sse.Hub, store *imaging.Store) *Server {

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))

	// Snapshot images are served straight from the blob store directory.
	router.Static(cfg.Server.SnapshotURL, store.BaseDir())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	handlers.NewCameraHandler(repo, streams).RegisterRoutes(apiGroup)
	handlers.NewViolationHandler(&cfg.Escalation, repo, engine).RegisterRoutes(apiGroup)
	handlers.NewStatsHandler(cfg, repo, streams).RegisterRoutes(apiGroup)
	handlers.NewSSEHandler(hub).RegisterRoutes(apiGroup)

	return &Server{cfg: cfg, router: router}
}

// requestLogger logs API requests through logrus instead of gin's writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": latency.String(),
			"client":  c.ClientIP(),
		})
		if status >= http.StatusInternalServerError {
			entry.Errorf("%s %s", c.Request.Method, c.Request.URL.Path)
		} else {
			entry.Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
		}
	}
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	log.Infof("Starting server on %s", addr)
	return s.router.Run(addr)
}

// Router exposes the underlying engine, used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
