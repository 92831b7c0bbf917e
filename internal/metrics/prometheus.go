// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_request_duration_seconds{provider,route,cache}
	requestDuration *prometheus.HistogramVec

	// gateway_cache_lookups_total{status} — EXACT / SEMANTIC / MISS / BYPASS
	cacheLookups *prometheus.CounterVec

	// gateway_cache_inserts_total{result}
	cacheInserts *prometheus.CounterVec

	// gateway_coalesced_followers_total
	coalescedFollowers prometheus.Counter

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_key_failovers_total{provider}
	keyFailovers *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// gateway_telemetry_queue_depth / gateway_telemetry_dropped_total
	telemetryQueueDepth prometheus.Gauge
	telemetryDropped    prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates the registry with baseline runtime collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end request duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"route"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration by provider and cache outcome",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"provider", "route", "cache"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Cache lookups by outcome (EXACT, SEMANTIC, MISS, BYPASS)",
		}, []string{"status"}),

		cacheInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_inserts_total",
			Help: "Cache insert attempts by result",
		}, []string{"result"}),

		coalescedFollowers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_coalesced_followers_total",
			Help: "Requests that joined another request's upstream call",
		}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream provider attempts by outcome",
		}, []string{"provider", "outcome"}),

		keyFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_key_failovers_total",
			Help: "Provider-key failovers per provider",
		}, []string{"provider"}),

		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_total",
			Help: "Rate/quota gate outcomes (allowed, rate_limited, quota_exceeded)",
		}, []string{"result"}),

		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens processed by provider, direction, and cache outcome",
		}, []string{"provider", "direction", "cache"}),

		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Accumulated upstream cost in USD by provider",
		}, []string{"provider"}),

		telemetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_telemetry_queue_depth",
			Help: "Events waiting in the telemetry queue",
		}),

		telemetryDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_telemetry_dropped_total",
			Help: "Telemetry events shed due to backpressure",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight, r.httpRequestsTotal, r.httpDuration, r.requestDuration,
		r.cacheLookups, r.cacheInserts, r.coalescedFollowers,
		r.upstreamAttempts, r.keyFailovers, r.rateLimitTotal,
		r.tokensTotal, r.costTotal,
		r.telemetryQueueDepth, r.telemetryDropped, r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished HTTP exchange.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records a proxied request by provider and cache outcome.
func (r *Registry) ObserveRequest(provider, route, cacheStatus string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, route, cacheStatus).Observe(dur.Seconds())
}

// RecordCacheLookup counts one lookup outcome.
func (r *Registry) RecordCacheLookup(status string) {
	r.cacheLookups.WithLabelValues(status).Inc()
}

// RecordCacheInsert counts one insert attempt.
func (r *Registry) RecordCacheInsert(result string) {
	r.cacheInserts.WithLabelValues(result).Inc()
}

// RecordCoalescedFollower counts a request served by another request's flight.
func (r *Registry) RecordCoalescedFollower() { r.coalescedFollowers.Inc() }

// RecordUpstreamAttempt counts one provider attempt.
func (r *Registry) RecordUpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordKeyFailover counts a provider-key failover.
func (r *Registry) RecordKeyFailover(provider string) {
	r.keyFailovers.WithLabelValues(provider).Inc()
}

// RecordRateLimit counts a gate outcome.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// AddTokens accumulates token counts.
func (r *Registry) AddTokens(provider, cacheStatus string, input, output int) {
	r.tokensTotal.WithLabelValues(provider, "input", cacheStatus).Add(float64(input))
	r.tokensTotal.WithLabelValues(provider, "output", cacheStatus).Add(float64(output))
}

// AddCost accumulates upstream spend.
func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider).Add(usd)
	}
}

// SetTelemetryQueue updates the queue gauges.
func (r *Registry) SetTelemetryQueue(depth int, dropped int64) {
	r.telemetryQueueDepth.Set(float64(depth))
	r.telemetryDropped.Set(float64(dropped))
}
