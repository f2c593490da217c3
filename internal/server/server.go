package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chat-gateway/internal/chat"
	"chat-gateway/internal/config"
	"chat-gateway/internal/metrics"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/router"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Chat     *chat.Service
	Manager  *router.Manager
	Registry *provider.Registry
	Metrics  *metrics.Collector
}

type Server struct {
	cfg     config.Config
	deps    Deps
	app     *echo.Echo
	address string
	logger  *slog.Logger
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Chat == nil || deps.Manager == nil {
		return nil, errors.New("chat service and provider manager must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; frame-ancestors 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		app:     e,
		address: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		logger:  slog.Default().With("component", "server"),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", "addr", s.address)

	// No write timeout: SSE responses stay open for the whole generation.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/roles", s.handleRoles)
	s.app.GET("/providers", s.handleProviders)

	s.app.POST("/chat/start", s.handleStartChat)
	s.app.POST("/chat", s.handleChat)
	s.app.GET("/chat/stream", s.handleStreamQuery)
	s.app.POST("/chat/stream", s.handleStreamForm)
	s.app.GET("/chat/history", s.handleHistory)
	s.app.GET("/chat/sessions", s.handleSessions)
	s.app.DELETE("/chat/session/:session_id", s.handleDeleteSession)

	s.app.POST("/images/generations", s.handleImageGenerations)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)

	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		s.app.GET(s.cfg.Metrics.Path, echo.WrapHandler(s.deps.Metrics.Handler()))
	}
	if s.cfg.Server.StaticDir != "" {
		s.app.Static("/static", s.cfg.Server.StaticDir)
	}
}

func (s *Server) printStartupBanner() {
	host := s.cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, s.cfg.Server.Port)

	bold := color.New(color.Bold)
	dim := color.New(color.Faint)
	green := color.New(color.FgGreen)

	fmt.Println()
	bold.Printf("%s %s ready\n", s.cfg.App.Name, s.cfg.App.Version)
	fmt.Printf("Listening on %s\n", base)
	fmt.Print("Providers: ")
	if names := s.deps.Manager.Names(); len(names) > 0 {
		green.Printf("%v (default %s)\n", names, s.deps.Manager.Default())
	} else {
		color.New(color.FgYellow).Println("none configured")
	}
	fmt.Println("Endpoints:")
	for _, line := range []string{
		"GET    /roles, /providers, /health",
		"POST   /chat/start?user_id=...",
		"POST   /chat",
		"GET    /chat/stream?user_id=...&session_id=...&message=...",
		"GET    /chat/history, /chat/sessions",
		"DELETE /chat/session/:session_id",
		"POST   /images/generations",
		"POST   /v1/chat/completions",
	} {
		dim.Printf("  %s\n", line)
	}
	fmt.Printf("Example:\n  curl -N '%s/chat/stream?user_id=demo&session_id=s1&message=hello'\n\n", base)
}
