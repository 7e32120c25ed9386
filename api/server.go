// Package api assembles the HTTP surface: routes, middleware chain, and
// server lifecycle.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Routes is the handler set mounted by the server. Handlers register
// themselves so the server package does not import its own subpackages.
type Routes struct {
	Auth      AuthRoutes
	Documents DocumentRoutes
	Query     QueryRoutes
	Health    gin.HandlerFunc
	WebSocket gin.HandlerFunc
}

type AuthRoutes struct {
	Register gin.HandlerFunc
	Login    gin.HandlerFunc
	Refresh  gin.HandlerFunc
	Me       gin.HandlerFunc
}

type DocumentRoutes struct {
	Upload             gin.HandlerFunc
	Delete             gin.HandlerFunc
	List               gin.HandlerFunc
	SuggestedQuestions gin.HandlerFunc
}

type QueryRoutes struct {
	Ask        gin.HandlerFunc
	Complete   gin.HandlerFunc
	Global     gin.HandlerFunc
	Popular    gin.HandlerFunc
}

// Middleware is the cross-cutting chain applied around the routes.
type Middleware struct {
	Correlation gin.HandlerFunc
	Logger      gin.HandlerFunc
	Recovery    gin.HandlerFunc
	IPBurst     gin.HandlerFunc
	Auth        gin.HandlerFunc
	RateLimit   gin.HandlerFunc
}

// Options configures the listener and CORS policy.
type Options struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the engine and mounts every route.
func NewServer(opts Options, mw Middleware, routes Routes, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(mw.Correlation, mw.Logger, mw.Recovery)
	if mw.IPBurst != nil {
		engine.Use(mw.IPBurst)
	}

	engine.Use(cors.New(cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Session-ID", "X-Correlation-ID"},
		ExposeHeaders:    []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/health", routes.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := engine.Group("/auth")
	{
		authGroup.POST("/register", routes.Auth.Register)
		authGroup.POST("/login", routes.Auth.Login)
		authGroup.POST("/refresh", routes.Auth.Refresh)
		authGroup.GET("/me", mw.Auth, routes.Auth.Me)
	}

	content := engine.Group("/content", mw.Auth)
	{
		content.POST("/upload", routes.Documents.Upload)
		content.DELETE("/:id", routes.Documents.Delete)
		content.GET("/user/:id", routes.Documents.List)
		content.GET("/:id/suggested-questions", routes.Documents.SuggestedQuestions)
	}

	queryGroup := engine.Group("/query", mw.Auth, mw.RateLimit)
	{
		// Register the fixed segment before the parameterized routes so
		// "global" never binds as a document id.
		queryGroup.POST("/global/complete", routes.Query.Global)
		queryGroup.POST("/:doc_id", routes.Query.Ask)
		queryGroup.POST("/:doc_id/complete", routes.Query.Complete)
		queryGroup.GET("/:doc_id/popular", routes.Query.Popular)
	}

	engine.GET("/ws/document/:id/status", routes.WebSocket)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return &Server{engine: engine, http: srv, logger: logger}
}

// Engine exposes the router for httptest-driven tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
