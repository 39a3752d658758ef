package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/catalog"
	"github.com/mohammad-safakhou/council/internal/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Config  config.ServerConfig
	Store   Conversations
	Council Runner
	Catalog *catalog.Catalog
	// Health, when set, is checked by /healthz.
	Health func(ctx context.Context) error
	// Secret enables JWT auth on /api when non-empty.
	Secret []byte
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	// Registerer receives the stream collectors; a private registry when nil.
	Registerer prometheus.Registerer
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(corsConfig(d.Config.AllowOrigins)))
	if d.Config.MaxUploadBytes > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", (d.Config.MaxUploadBytes+1023)/1024)))
	}

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "LLM Council API"})
	})
	e.GET("/healthz", func(c echo.Context) error {
		if d.Health != nil {
			if err := d.Health(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	api := e.Group("/api")
	if len(d.Secret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(d.Secret))
	}
	if d.Catalog != nil {
		(&AgentsHandler{Catalog: d.Catalog}).Register(api)
	}
	ch := &ConversationsHandler{
		Store:          d.Store,
		Council:        d.Council,
		MaxUploadBytes: d.Config.MaxUploadBytes,
		Heartbeat:      d.Config.StreamHeartbeat,
		metrics:        newStreamMetrics(d.Registerer),
		logger:         log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	ch.Register(api.Group("/conversations"))
	return e
}

// corsConfig allows credentials only for explicitly listed origins; the
// wildcard default is credential-less.
func corsConfig(origins []string) middleware.CORSConfig {
	credentials := len(origins) > 0
	for _, o := range origins {
		if o == "*" {
			credentials = false
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: credentials,
	}
}

// Run serves e on addr until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(e, "council.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
