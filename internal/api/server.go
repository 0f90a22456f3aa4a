package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wastesort-go/config"
	"wastesort-go/internal/api/handlers"
	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/db/repository"
	"wastesort-go/internal/metrics"
	"wastesort-go/internal/server/sse"
	"wastesort-go/internal/session"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const sessionCookieName = "wastesort_session"

// Dependencies are the components the HTTP layer serves
type Dependencies struct {
	Config     *config.Config
	Controller *session.Controller
	Processor  *processor.ImageProcessor
	Translator *middleware.Translator
	Hub        *sse.Hub
	Repository repository.Repository // nil when the archive is disabled
	WorkerPool *processor.WorkerPool
	Metrics    *metrics.Metrics // nil when metrics are disabled
	StartedAt  time.Time
}

// Server is the dashboard HTTP server
type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server
}

// NewServer builds the router with all middleware and routes
func NewServer(deps Dependencies) *Server {
	if deps.Config.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: deps.Config,
		router: gin.New(),
	}
	s.setupMiddleware(deps.Translator)
	s.setupRoutes(deps)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(translator *middleware.Translator) {
	s.router.Use(gin.Recovery())
	s.router.Use(loggingMiddleware())
	s.router.Use(cors.New(corsConfig(s.config.Server.CORSOrigins)))

	store := cookie.NewStore([]byte(s.config.Server.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.router.Use(sessions.Sessions(sessionCookieName, store))
	s.router.Use(middleware.I18n(translator))
}

func (s *Server) setupRoutes(deps Dependencies) {
	defaultMode, err := session.ParseMode(deps.Config.Session.DefaultMode, session.ModeSingle)
	if err != nil {
		log.Warnf("Invalid default mode %q, using single", deps.Config.Session.DefaultMode)
		defaultMode = session.ModeSingle
	}

	api := s.router.Group("/api")
	handlers.NewAPIHandler(deps.Controller, deps.Processor, deps.Translator, defaultMode).RegisterRoutes(api)
	handlers.NewEventHandler(deps.Hub, deps.Controller).RegisterRoutes(api)
	handlers.NewCategoryHandler(deps.Translator).RegisterRoutes(api)
	handlers.NewAdminHandler(deps.Repository, deps.Translator).RegisterRoutes(api.Group("/admin"))
	handlers.NewSystemHandler(deps.WorkerPool, deps.StartedAt).RegisterRoutes(api.Group("/system"))

	if deps.Metrics != nil {
		path := deps.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Accept-Language")
	cfg.ExposeHeaders = []string{"Content-Disposition"}

	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"component": "http",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request handled")
		}
	}
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Infof("Starting server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	log.Info("Stopping HTTP server...")
	return s.server.Shutdown(ctx)
}
