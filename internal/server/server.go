// Package server exposes the operator control surface over HTTP: intent
// submission, guardian overrides, position and audit queries, health and
// metrics. It is deliberately thin; every decision lives in the engine,
// ledger or guardian behind it.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/audit"
	"vigil/internal/engine"
	"vigil/internal/guardian"
	"vigil/internal/ledger"
	"vigil/internal/logger"
	"vigil/internal/types"
)

// EngineAPI is the slice of engine behavior the HTTP layer needs.
type EngineAPI interface {
	Submit(ctx context.Context, intent types.OrderIntent) (string, error)
	Groups(ctx context.Context) ([]engine.GroupView, error)
	Group(ctx context.Context, execID string) (engine.GroupView, bool, error)
	Health() engine.HealthSnapshot
}

// GuardianAPI is the slice of guardian behavior the HTTP layer needs.
type GuardianAPI interface {
	Status() guardian.Status
	Override(ctx context.Context, mode types.Mode, reason string) error
	CancelAll(reason string)
	FlattenAll(reason string)
}

// PositionBook reads current positions.
type PositionBook interface {
	Positions() []ledger.PositionEntry
}

// AuditLog reads back persisted audit events.
type AuditLog interface {
	Recent(limit int) ([]audit.Event, error)
}

// Config describes the server's dependencies and listen settings.
type Config struct {
	Addr         string
	JWTSecret    string
	AuthDisabled bool

	Engine   EngineAPI
	Guardian GuardianAPI
	Book     PositionBook
	Log      AuditLog
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Guardian == nil {
		return nil, errors.New("http server requires engine and guardian")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if !cfg.AuthDisabled && cfg.JWTSecret == "" {
		return nil, errors.New("http server requires a jwt secret unless auth is disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{cfg: cfg}

	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/guardian/mode", h.guardianMode)
	api.GET("/engine/health", h.engineHealth)
	api.GET("/groups", h.listGroups)
	api.GET("/groups/:id", h.getGroup)
	api.GET("/positions", h.positions)
	api.GET("/audit/events", h.auditEvents)

	mutating := api.Group("")
	if !cfg.AuthDisabled {
		mutating.Use(authMiddleware(cfg.JWTSecret))
	}
	mutating.POST("/intents", h.submitIntent)
	mutating.POST("/guardian/mode", h.overrideMode)
	mutating.POST("/guardian/cancel-all", h.cancelAll)
	mutating.POST("/guardian/flatten-all", h.flattenAll)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		client := c.ClientIP()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), client, time.Since(start))
	}
}
