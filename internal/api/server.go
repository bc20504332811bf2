// Package api exposes the agent to the rest of the vessel over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/metrics"
	"github.com/zulandar/tidelink/internal/queue"
)

// DefaultListen is the address used when StartOpts leaves Listen empty.
const DefaultListen = "127.0.0.1:8470"

// Lister lists stored messages, finished ones included.
type Lister interface {
	List(f queue.ListFilter) ([]*message.Message, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Agent   *agent.Agent
	Metrics *metrics.Metrics
	// History backs GET /v1/messages; without it only queued messages are
	// listed.
	History Lister
	Listen  string
	Logger  *zap.Logger
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Agent == nil {
		return fmt.Errorf("api: agent is required")
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	opts.Logger.Info("api listening", zap.String("addr", opts.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, opts)
	return router
}

// requestLogger logs each request at debug level.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
