// Package main provides the key broker server entry point.
package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailtester/keybroker-go/internal/config"
	"github.com/mailtester/keybroker-go/internal/httpapi"
)

// setupRoutes configures all HTTP routes
func setupRoutes(router *gin.Engine, handler *httpapi.Handler, registry *prometheus.Registry, cfg *config.Config) {
	// Root endpoint - nothing to serve, point at the health probe
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/health")
	})

	// Key reservation
	router.GET("/key/available", handler.Available)
	router.GET("/key/available/queued", handler.AvailableQueued)

	// Key pool projections
	router.GET("/status", handler.Status)
	router.GET("/limits", handler.Limits)

	// Key administration
	router.POST("/keys", handler.RegisterKey)
	router.DELETE("/keys/:id", handler.DeleteKey)

	// Health check endpoints
	// Liveness only - this must NEVER check dependencies
	router.GET("/health", handler.Health)
	router.HEAD("/health", handler.Health)

	// Prometheus metrics endpoint (basic auth when a password is configured)
	metricsHandler := gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.GET("/metrics",
		metricsAuthMiddleware(cfg.MetricsPassword != "", cfg.MetricsUsername, cfg.MetricsPassword),
		metricsHandler)
}
