// Package proxy is the request lifecycle engine of the gateway.
//
// Every request walks the same ladder: authenticate the gateway key, enforce
// rate and quota limits, look up a semantically equivalent prior answer,
// and — on a miss — dispatch upstream through the provider-key router while
// buffering the response for future reuse. Telemetry is emitted
// fire-and-forget after the client has its bytes.
//
// Key design constraints:
//   - The first byte of a cache hit never waits on a telemetry or counter write.
//   - Concurrent misses with the same fingerprint share one upstream call.
//   - Client disconnect does not cancel stream buffering or the cache insert.
//   - Embedder, vector-index, cache-insert, and telemetry failures degrade
//     silently; the client only ever sees auth, limit, and upstream errors.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/cache"
	"github.com/watchllm/gateway/internal/metrics"
	"github.com/watchllm/gateway/internal/pricing"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/router"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/internal/vectorindex"
	"github.com/watchllm/gateway/pkg/apierr"
)

// Endpoint paths accepted by the proxy. TTL override keys are validated
// against this set on write.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointCompletions     = "/v1/completions"
	EndpointEmbeddings      = "/v1/embeddings"
)

// KnownEndpoints lists the proxied endpoint paths.
var KnownEndpoints = []string{EndpointChatCompletions, EndpointCompletions, EndpointEmbeddings}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// Telemetry is the analytics event pipeline. Nil disables emission.
	Telemetry *telemetry.Pipeline

	// ReplayDelay is the pause between synthetic SSE chunks on a streaming
	// cache hit. Default: 15ms.
	ReplayDelay time.Duration

	// Env tags telemetry events. Default: "development".
	Env string

	// MaxInlineBodyBytes caps the completion size cached inline; larger
	// bodies are summarized instead of stored. Default: 64 KiB.
	MaxInlineBodyBytes int

	// CronSecret guards the scheduled-trigger endpoints.
	CronSecret string

	// AppBaseURL builds dashboard URLs in deploy responses.
	AppBaseURL string
}

// Gateway is the lifecycle orchestrator — all dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	gate    *auth.Gate
	engine  *cache.Engine
	router  *router.Router
	catalog *pricing.Catalog
	store   store.Store
	index   vectorindex.Index

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	events  *telemetry.Pipeline
	flights *flightMap

	replayDelay time.Duration
	env         string
	maxInline   int
	cronSecret  string
	appBaseURL  string

	// Optional subsystems — nil-safe when not configured.
	analytics   *telemetry.ClickHouse
	corsOrigins []string
	readyProbes map[string]func() bool
}

// SetAnalytics injects the ClickHouse query layer backing the read APIs.
func (g *Gateway) SetAnalytics(ch *telemetry.ClickHouse) { g.analytics = ch }

// SetReadinessProbes registers named connectivity probes for /readiness.
func (g *Gateway) SetReadinessProbes(probes map[string]func() bool) { g.readyProbes = probes }

// NewGateway creates a fully wired Gateway.
func NewGateway(
	baseCtx context.Context,
	gate *auth.Gate,
	engine *cache.Engine,
	rt *router.Router,
	catalog *pricing.Catalog,
	st store.Store,
	index vectorindex.Index,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("proxy: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	replayDelay := opts.ReplayDelay
	if replayDelay < 0 {
		replayDelay = 0
	} else if replayDelay == 0 {
		replayDelay = 15 * time.Millisecond
	}
	env := opts.Env
	if env == "" {
		env = "development"
	}
	maxInline := opts.MaxInlineBodyBytes
	if maxInline <= 0 {
		maxInline = 64 * 1024
	}

	return &Gateway{
		gate:        gate,
		engine:      engine,
		router:      rt,
		catalog:     catalog,
		store:       st,
		index:       index,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		events:      opts.Telemetry,
		flights:     newFlightMap(),
		replayDelay: replayDelay,
		env:         env,
		maxInline:   maxInline,
		cronSecret:  opts.CronSecret,
		appBaseURL:  opts.AppBaseURL,
	}
}

// ── Inbound request types ────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model          string           `json:"model"`
		Messages       []inboundMessage `json:"messages"`
		Stream         bool             `json:"stream"`
		Temperature    float64          `json:"temperature"`
		TopP           float64          `json:"top_p"`
		MaxTokens      int              `json:"max_tokens"`
		ResponseFormat json.RawMessage  `json:"response_format,omitempty"`
		Tools          json.RawMessage  `json:"tools,omitempty"`
		Seed           *int             `json:"seed,omitempty"`
	}
)

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	endpoint := string(ctx.Path())
	route := "chat_completions"
	if endpoint == EndpointCompletions {
		route = "completions"
	}
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests finalize in the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	// 1. Authenticate.
	id, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, reqID, err)
		return
	}

	// 2. Rate and quota limits. Headers are emitted on every outcome.
	if err := g.gate.CheckLimits(ctx, id); err != nil {
		emitLimitHeaders(ctx, id)
		g.writeLimitError(ctx, reqID, err)
		return
	}
	emitLimitHeaders(ctx, id)
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	// 3. Parse and normalize the body.
	var in inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(in.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	req := &providers.ChatRequest{
		Endpoint:       endpoint,
		Model:          in.Model,
		Messages:       msgs,
		Temperature:    in.Temperature,
		TopP:           in.TopP,
		MaxTokens:      in.MaxTokens,
		Stream:         in.Stream,
		ResponseFormat: in.ResponseFormat,
		Tools:          in.Tools,
		Seed:           in.Seed,
		ProjectID:      id.Project.ID,
		RequestID:      reqID,
	}
	providerName := router.ResolveProvider(in.Model)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("project_id", id.Project.ID),
		slog.String("model", in.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", in.Stream),
	)

	// 4. Cache lookup. Bypassed models skip both lookup and insert.
	if g.engine.Bypassed(in.Model) {
		ctx.Response.Header.Set("X-Cache", cache.StatusBypass)
		if g.metrics != nil {
			g.metrics.RecordCacheLookup(cache.StatusBypass)
		}
		if in.Stream {
			streaming = true
			g.streamUpstream(ctx, id, req, providerName, "", route, start)
			return
		}
		g.serveUpstream(ctx, id, req, providerName, cache.StatusBypass, route, start)
		return
	}

	res := g.engine.Lookup(ctx, id.Project, req)
	if g.metrics != nil {
		g.metrics.RecordCacheLookup(res.Status)
	}

	// 5. Cache hit — respond straight from the stored completion. Telemetry
	// is fire-and-forget after the response is set.
	if res.Status == cache.StatusExact || res.Status == cache.StatusSemantic {
		setCacheHeaders(ctx, res.Status, res.Similarity)

		if in.Stream {
			streaming = true
			g.streamReplay(ctx, id, req, res, providerName, route, start)
			return
		}

		body, err := json.Marshal(res.Completion)
		if err != nil {
			apierr.WriteInternal(ctx)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)

		g.emitPromptCall(id, req, providerName, "", res.Completion,
			telemetry.StatusSuccess, "", time.Since(start), true, res.Similarity, 0)
		if g.metrics != nil {
			g.metrics.ObserveRequest(providerName, route, res.Status, time.Since(start))
			g.metrics.AddTokens(providerName, res.Status,
				res.Completion.Usage.PromptTokens, res.Completion.Usage.CompletionTokens)
		}
		return
	}

	// 6. Miss.
	ctx.Response.Header.Set("X-Cache", cache.StatusMiss)

	if in.Stream {
		streaming = true
		g.streamMiss(ctx, id, req, res.Fingerprint, providerName, route, start)
		return
	}
	g.serveMiss(ctx, id, req, res.Fingerprint, providerName, route, start)
}

// serveMiss handles a non-streaming miss through single-flight coalescing:
// the leader dispatches upstream, costs the call, and inserts the cache
// entry; followers reuse the leader's completion without an upstream call.
func (g *Gateway) serveMiss(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, fp, providerName, route string, start time.Time) {
	// A streaming leader for the same fingerprint may already be in flight;
	// join it rather than issuing a second upstream call.
	if c, ok := g.flights.wait(ctx, flightKey(id.Project.ID, fp)); ok && c != nil {
		g.respondCompletion(ctx, id, req, providerName, "", c, route, start, true)
		return
	}

	var keyID string
	completion, shared, err := g.engine.Coalesce(ctx, id.Project.ID, fp, func() (*providers.ChatCompletion, error) {
		// The leader runs on the server's base context: a disconnecting
		// client must not cancel the call its followers are waiting on.
		callCtx, cancel := context.WithTimeout(g.baseCtx, providers.RequestTimeout)
		defer cancel()

		result, winner, err := g.router.Dispatch(callCtx, req, providerName)
		if err != nil {
			return nil, err
		}
		keyID = winner
		c := result.Completion
		if c == nil {
			return nil, fmt.Errorf("%s: empty completion", providerName)
		}
		cost := g.catalog.Cost(providerName, c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
		g.engine.Insert(callCtx, id.Project, req, fp, c, providerName, cost)
		if g.metrics != nil {
			g.metrics.RecordUpstreamAttempt(providerName, "success")
			g.metrics.AddCost(providerName, cost)
		}
		return c, nil
	})
	if err != nil {
		g.writeUpstreamError(ctx, req.RequestID, providerName, err)
		g.emitPromptCall(id, req, providerName, keyID, nil,
			statusFor(err), errorCodeFor(err), time.Since(start), false, 0, 0)
		return
	}
	if shared && g.metrics != nil {
		g.metrics.RecordCoalescedFollower()
	}

	g.respondCompletion(ctx, id, req, providerName, keyID, completion, route, start, shared)
}

// serveUpstream handles a bypass request: straight upstream dispatch, no
// coalescing and no cache insert.
func (g *Gateway) serveUpstream(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, providerName, cacheStatus, route string, start time.Time) {
	callCtx, cancel := context.WithTimeout(g.baseCtx, providers.RequestTimeout)
	defer cancel()

	result, keyID, err := g.router.Dispatch(callCtx, req, providerName)
	if err != nil {
		g.writeUpstreamError(ctx, req.RequestID, providerName, err)
		g.emitPromptCall(id, req, providerName, "",
			nil, statusFor(err), errorCodeFor(err), time.Since(start), false, 0, 0)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordUpstreamAttempt(providerName, "success")
	}
	g.respondCompletion(ctx, id, req, providerName, keyID, result.Completion, route, start, false)
}

// respondCompletion writes a completion as JSON and emits telemetry.
func (g *Gateway) respondCompletion(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, providerName, keyID string, c *providers.ChatCompletion, route string, start time.Time, coalesced bool) {
	body, err := json.Marshal(c)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	cost := 0.0
	if !coalesced {
		cost = g.catalog.Cost(providerName, c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
	}
	g.emitPromptCall(id, req, providerName, keyID, c,
		telemetry.StatusSuccess, "", time.Since(start), false, 0, cost)

	if g.metrics != nil {
		g.metrics.ObserveRequest(providerName, route, cache.StatusMiss, time.Since(start))
		g.metrics.AddTokens(providerName, cache.StatusMiss, c.Usage.PromptTokens, c.Usage.CompletionTokens)
	}
}

// ── Embeddings ───────────────────────────────────────────────────────────────

type inboundEmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings as an authenticated
// pass-through. Embedding responses are not cached; the header reads BYPASS.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("embeddings", ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	id, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, reqID, err)
		return
	}
	if err := g.gate.CheckLimits(ctx, id); err != nil {
		emitLimitHeaders(ctx, id)
		g.writeLimitError(ctx, reqID, err)
		return
	}
	emitLimitHeaders(ctx, id)

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	providerName := router.ResolveEmbeddingProvider(in.Model)
	ctx.Response.Header.Set("X-Cache", cache.StatusBypass)

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     in.Model,
		ProjectID: id.Project.ID,
		RequestID: reqID,
	}
	resp, keyID, err := g.router.DispatchEmbedding(ctx, embReq, providerName)
	if err != nil {
		g.writeUpstreamError(ctx, reqID, providerName, err)
		g.emitEmbeddingCall(id, in.Model, providerName, "", 0, statusFor(err), errorCodeFor(err), time.Since(start))
		return
	}

	out := map[string]any{
		"object": "list",
		"model":  resp.Model,
		"data":   resp.Data,
		"usage": map[string]int{
			"prompt_tokens": resp.Usage.PromptTokens,
			"total_tokens":  resp.Usage.PromptTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.emitEmbeddingCall(id, in.Model, providerName, keyID,
		resp.Usage.PromptTokens, telemetry.StatusSuccess, "", time.Since(start))
}

// ── Shared helpers ───────────────────────────────────────────────────────────

// emitLimitHeaders writes the X-RateLimit-* and X-Quota-* response headers.
func emitLimitHeaders(ctx *fasthttp.RequestCtx, id *auth.Identity) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(id.Rate.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(id.Rate.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(id.Rate.ResetAt, 10))
	h.Set("X-Quota-Limit", strconv.Itoa(id.Quota.Limit))
	h.Set("X-Quota-Remaining", strconv.Itoa(id.Quota.Remaining))
	h.Set("X-Quota-Reset", strconv.FormatInt(id.Quota.ResetAt, 10))
}

func setCacheHeaders(ctx *fasthttp.RequestCtx, status string, similarity float64) {
	ctx.Response.Header.Set("X-Cache", status)
	if status == cache.StatusSemantic {
		ctx.Response.Header.Set("X-Cache-Similarity", strconv.FormatFloat(similarity, 'f', 4, 64))
	}
	if status == cache.StatusExact {
		ctx.Response.Header.Set("X-Cache-Similarity", "1.0")
	}
}

func (g *Gateway) writeAuthError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		apierr.WriteUnauthorized(ctx, "invalid or missing gateway key")
		return
	}
	g.log.ErrorContext(ctx, "auth_error",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	apierr.WriteInternal(ctx)
}

func (g *Gateway) writeLimitError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var rl *auth.RateLimitedError
	if errors.As(err, &rl) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("rate_limited")
		}
		g.log.WarnContext(ctx, "rate_limited", slog.String("request_id", reqID))
		apierr.WriteRateLimited(ctx, rl.Limit, 0, rl.ResetAt, rl.RetryAfter)
		return
	}
	var qe *auth.QuotaExceededError
	if errors.As(err, &qe) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("quota_exceeded")
		}
		g.log.WarnContext(ctx, "quota_exceeded", slog.String("request_id", reqID))
		apierr.WriteQuotaExceeded(ctx, qe.Limit, qe.ResetAt)
		return
	}
	apierr.WriteInternal(ctx)
}

// writeUpstreamError maps router and provider failures onto the §6.2 envelope.
// Provider-internal messages are summarized, never forwarded verbatim.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, reqID, providerName string, err error) {
	g.log.ErrorContext(ctx, "upstream_error",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("error", err.Error()),
	)
	if g.metrics != nil {
		g.metrics.RecordUpstreamAttempt(providerName, "error")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	if errors.Is(err, router.ErrNoKeys) {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("no active %s key configured for this project", providerName),
			apierr.TypeProviderError, apierr.CodeUpstreamAuth)
		return
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteUpstreamError(ctx, sc.HTTPStatus(),
			fmt.Sprintf("upstream provider %s rejected the request", providerName))
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		fmt.Sprintf("upstream provider %s is unavailable", providerName),
		apierr.TypeProviderError, apierr.CodeUpstreamUnavailable)
}

// statusFor buckets an error for the usage log.
func statusFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return telemetry.StatusTimeout
	}
	return telemetry.StatusError
}

// errorCodeFor maps a dispatch failure to its taxonomy code.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.CodeUpstreamTimeout
	case providers.IsAuthFailure(err):
		return apierr.CodeUpstreamAuth
	default:
		return apierr.CodeUpstreamUnavailable
	}
}

// emitPromptCall publishes a prompt_call event. Fire-and-forget: the pipeline
// sheds load rather than blocking, and a nil pipeline drops everything.
func (g *Gateway) emitPromptCall(id *auth.Identity, req *providers.ChatRequest, providerName, providerKeyID string, c *providers.ChatCompletion, status, errorCode string, latency time.Duration, cached bool, similarity, cost float64) {
	if g.events == nil {
		return
	}

	e := telemetry.NewEvent(telemetry.KindPromptCall, id.Project.ID, req.RequestID, g.env)
	e.GatewayKeyID = id.GatewayKey.ID
	e.ProviderKeyID = providerKeyID
	e.Provider = providerName
	e.Model = req.Model
	e.EndpointPath = req.Endpoint
	e.Status = status
	e.ErrorCode = errorCode
	e.LatencyMs = latency.Milliseconds()
	e.Cached = cached
	if cached {
		e.CacheSimilarity = similarity
	}
	e.CostUSD = cost
	if c != nil {
		e.TokensInput = c.Usage.PromptTokens
		e.TokensOutput = c.Usage.CompletionTokens
		e.ResponseSummary = summarize(c.Content(), g.maxInline)
	}

	g.events.Publish(e)
	if g.metrics != nil {
		g.metrics.SetTelemetryQueue(g.events.QueueDepth(), g.events.DroppedEvents())
	}
}

func (g *Gateway) emitEmbeddingCall(id *auth.Identity, model, providerName, providerKeyID string, tokens int, status, errorCode string, latency time.Duration) {
	if g.events == nil {
		return
	}
	e := telemetry.NewEvent(telemetry.KindPromptCall, id.Project.ID, "", g.env)
	e.GatewayKeyID = id.GatewayKey.ID
	e.ProviderKeyID = providerKeyID
	e.Provider = providerName
	e.Model = model
	e.EndpointPath = EndpointEmbeddings
	e.Status = status
	e.ErrorCode = errorCode
	e.LatencyMs = latency.Milliseconds()
	e.TokensInput = tokens
	e.CostUSD = g.catalog.Cost(providerName, model, tokens, 0)
	g.events.Publish(e)
}

// summarize truncates content for the telemetry response summary; bodies past
// the inline cap keep only a prefix plus a size marker.
func summarize(content string, maxInline int) string {
	summaryLen := 200
	if summaryLen > len(content) {
		summaryLen = len(content)
	}
	if len(content) > maxInline {
		return content[:summaryLen] + fmt.Sprintf("… [%d bytes truncated]", len(content)-summaryLen)
	}
	if len(content) > summaryLen {
		return content[:summaryLen] + "…"
	}
	return content
}
