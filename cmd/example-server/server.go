package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"

	"github.com/manenim/gateway-guard/pkg/cache"
	"github.com/manenim/gateway-guard/pkg/guard"
	"github.com/manenim/gateway-guard/pkg/limiter"
	"github.com/manenim/gateway-guard/pkg/metrics"
	"github.com/manenim/gateway-guard/pkg/middleware"
)

type Server struct {
	guard  *guard.Guard
	echo   *echo.Echo
	logger *slog.Logger

	mu     sync.Mutex
	posts  []post
	nextID int
}

type post struct {
	ID        int       `json:"id"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// demoAccounts stands in for a user table so the login limiter has something
// to fail against.
var demoAccounts = map[string]string{
	"alice@example.com": "correct horse",
	"bob@example.com":   "battery staple",
}

func serve(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := configLogger(cctx.String("log-level"))
	recorder := metrics.NewPromRecorder("guard", prometheus.DefaultRegisterer)

	g, err := guard.New(configFromCLI(cctx),
		guard.WithLogger(logger),
		guard.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Error("closing guard", "err", err)
		}
	}()
	g.Start(ctx)

	srv, err := NewServer(g, logger, ServerConfig{
		CSRFEnabled:    cctx.Bool("csrf-enabled"),
		AllowedOrigins: cctx.StringSlice("allowed-origins"),
		StrictOrigin:   cctx.Bool("strict-origin-check"),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		bind := cctx.String("bind")
		logger.Info("starting server", "bind", bind, "version", versioninfo.Short())
		if err := srv.echo.Start(bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received exit signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	return srv.Shutdown()
}

type ServerConfig struct {
	CSRFEnabled    bool
	AllowedOrigins []string
	StrictOrigin   bool
}

func NewServer(g *guard.Guard, logger *slog.Logger, cfg ServerConfig) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(echomw.Recover())
	e.Use(echoprometheus.NewMiddleware("example_server"))
	e.Use(demoAuth)

	srv := &Server{
		guard:  g,
		echo:   e,
		logger: logger,
		nextID: 1,
	}

	read, err := middleware.RateLimit(g.Limiter, middleware.RateLimitConfig{Class: limiter.ClassRead})
	if err != nil {
		return nil, err
	}
	write, err := middleware.RateLimit(g.Limiter, middleware.RateLimitConfig{Class: limiter.ClassWrite})
	if err != nil {
		return nil, err
	}
	login, err := middleware.RateLimit(g.Limiter, middleware.RateLimitConfig{
		Class:    limiter.ClassAuth,
		Identity: middleware.EmailIdentity("email"),
	})
	if err != nil {
		return nil, err
	}
	csrf := middleware.CSRF(g.Tokens, middleware.CSRFConfig{Disabled: !cfg.CSRFEnabled})

	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/health", srv.HandleHealthCheck)
	e.GET("/_stats", middleware.StatsHandler(func() any { return g.Snapshot() }))

	api := e.Group("/api", middleware.Origin(middleware.OriginConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Strict:         cfg.StrictOrigin,
		Logger:         logger,
	}))
	api.GET("/csrf-token", middleware.IssueCSRF(g.Tokens, nil), read)
	api.GET("/posts", srv.HandleListPosts, read,
		middleware.Cache(g.Cache, middleware.CacheConfig{TTL: cache.TTLShort}))
	api.GET("/posts/:id", srv.HandleGetPost, read,
		middleware.Cache(g.Cache, middleware.CacheConfig{TTL: cache.TTLMedium}))
	api.POST("/posts", srv.HandleCreatePost, write, csrf)
	api.POST("/auth/login", srv.HandleLogin, login)

	return srv, nil
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.echo.Shutdown(ctx)
}

// demoAuth trusts the X-User-ID header as the principal. Real deployments put
// their session or JWT middleware here.
func demoAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Request().Header.Get("X-User-ID"); id != "" {
			c.Set("user", id)
		}
		return next(c)
	}
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Remote  string `json:"remote"`
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:  "ok",
		Version: versioninfo.Short(),
		Remote:  srv.guard.Remote.Status().State,
	})
}

func (srv *Server) HandleListPosts(c echo.Context) error {
	srv.mu.Lock()
	out := make([]post, len(srv.posts))
	copy(out, srv.posts)
	srv.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"posts": out})
}

func (srv *Server) HandleGetPost(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid post id")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, p := range srv.posts {
		if p.ID == id {
			return c.JSON(http.StatusOK, p)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "post not found")
}

type createPostRequest struct {
	Title string `json:"title" form:"title"`
	Body  string `json:"body" form:"body"`
}

func (srv *Server) HandleCreatePost(c echo.Context) error {
	var req createPostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	author := middleware.ContextPrincipal(c)
	if author == "" {
		author = "anonymous"
	}

	srv.mu.Lock()
	p := post{
		ID:        srv.nextID,
		Author:    author,
		Title:     req.Title,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}
	srv.nextID++
	srv.posts = append(srv.posts, p)
	srv.mu.Unlock()

	srv.guard.Cache.InvalidatePattern(c.Request().Context(), cache.PathPattern("/api/posts"))
	return c.JSON(http.StatusCreated, p)
}

func (srv *Server) HandleLogin(c echo.Context) error {
	email := c.FormValue("email")
	password := c.FormValue("password")

	want, ok := demoAccounts[email]
	if !ok || password != want {
		middleware.ReportOutcome(c, false)
		return c.JSON(http.StatusUnauthorized, middleware.Rejection{
			Status:  "error",
			Code:    "INVALID_CREDENTIALS",
			Message: "invalid email or password",
		})
	}

	middleware.ReportOutcome(c, true)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "user": email})
}
