// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the compare pipeline over HTTP.
//
// # Routes
//
//	POST /v3/compare         one comparison
//	POST /v3/compare/batch   independent comparisons, run concurrently
//	GET  /v3/flags           rollout stage and flag states
//	GET  /v3/report          aggregated run statistics (?window=1h)
//	GET  /metrics            Prometheus exposition
//	GET  /health             liveness and capability availability
//
// Every response carries X-Request-ID. Stage failures surface in the
// result envelope, never as HTTP errors.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
)

// ServiceName is the otelgin server name.
const ServiceName = "compared"

// Config configures the HTTP surface.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`

	// BatchLimit bounds the requests in one batch call.
	BatchLimit int `yaml:"batch_limit" validate:"gt=0"`

	// RateLimit is the sustained compare calls per second across all
	// clients. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8088",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    16 << 20,
		BatchLimit:      32,
	}
}

// NewRouter builds the gin engine.
//
// Description:
//
//	Installs recovery, OpenTelemetry and access-log middleware, then the
//	routes listed in the package documentation. Compare routes are subject
//	to the body limit and, when cfg.RateLimit > 0, a shared token bucket.
//
// Inputs:
//
//	cfg - Listener settings. Only the body, batch and rate fields are read.
//	h - Route handlers.
//	gatherer - Source for GET /metrics. Nil uses the default registry.
//	logger - Access log. Nil discards.
//
// Outputs:
//
//	*gin.Engine - Ready to serve.
func NewRouter(cfg Config, h *Handlers, gatherer prometheus.Gatherer, logger *slog.Logger) *gin.Engine {
	logger = logging.OrDiscard(logger)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h.WithBatchLimit(cfg.BatchLimit)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(accessLog(logger))

	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v3 := router.Group("/v3")
	{
		compare := v3.Group("", bodyLimit(cfg.MaxBodyBytes))
		if cfg.RateLimit > 0 {
			compare.Use(rateLimit(cfg.RateLimit, cfg.RateBurst))
		}
		compare.POST("/compare", h.HandleCompare)
		compare.POST("/compare/batch", h.HandleCompareBatch)

		v3.GET("/flags", h.HandleFlags)
		v3.GET("/report", h.HandleReport)
	}
	return router
}

// Server owns the HTTP listener.
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New wraps handler in an http.Server configured from cfg.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logging.OrDiscard(logger),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully, giving
// in-flight requests the shutdown timeout to finish.
//
// Outputs:
//
//	error - A listener failure or a shutdown that exceeded its timeout.
//	nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting compare server", slog.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.http.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down compare server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func rateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "Too many requests",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.Writer.Header().Get("X-Request-ID")),
		)
	}
}
