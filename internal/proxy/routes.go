package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management handler functions registered
// alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	// Proxy surface.
	r.POST(EndpointChatCompletions, g.dispatchChat)
	r.POST(EndpointCompletions, g.dispatchChat)
	r.POST(EndpointEmbeddings, g.dispatchEmbeddings)

	// Admin surface.
	r.POST("/v1/cache/invalidate", g.handleCacheInvalidate)
	r.GET("/v1/cache/stats", g.handleCacheStats)
	r.POST("/v1/cache/ttl", g.handleUpdateTTL)
	r.POST("/v1/cache/threshold", g.handleUpdateThreshold)
	r.POST("/v1/cache/feedback", g.handleCacheFeedback)
	r.GET("/v1/cache/recommendations", g.handleRecommendations)

	r.POST("/v1/provider-keys", g.handleSaveProviderKey)
	r.GET("/v1/provider-keys", g.handleListProviderKeys)
	r.DELETE("/v1/provider-keys/{id}", g.handleDeleteProviderKey)

	r.POST("/v1/agent-templates/{id}/deploy", g.handleTemplateDeploy)

	// Telemetry ingestion for SDK agent-debug events.
	r.POST("/v1/events", g.handleIngestEvents)

	// Analytics read APIs.
	r.GET("/v1/stats", g.handleStats)
	r.GET("/v1/timeseries", g.handleTimeSeries)
	r.GET("/v1/logs", g.handleLogs)

	// Scheduled triggers.
	r.POST("/internal/cron/sweep", g.handleCronSweep)
	r.POST("/internal/cron/cost-alerts", g.handleCronCostAlerts)

	// Probes.
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler: handler,
		// Generous write timeout: streaming responses can run for minutes.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 6 * time.Minute,
	}

	return srv.ListenAndServe(addr)
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
