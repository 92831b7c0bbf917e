package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/cache"
	"github.com/watchllm/gateway/internal/embedding"
	"github.com/watchllm/gateway/internal/pricing"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/router"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/stream"
	"github.com/watchllm/gateway/internal/vault"
	"github.com/watchllm/gateway/internal/vectorindex"
)

const gatewaySecret = "wl-proj-key-secret"

// --- helpers ----------------------------------------------------------------

// stubProvider serves canned completions and counts upstream calls.
type stubProvider struct {
	name    string
	calls   atomic.Int64
	content string
	failFor map[string]int // api key → status to fail with
}

func (p *stubProvider) Name() string                      { return p.name }
func (p *stubProvider) HealthCheck(context.Context) error { return nil }

func (p *stubProvider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	p.calls.Add(1)

	if status, ok := p.failFor[req.APIKey]; ok {
		return nil, &providers.Error{Provider: p.name, StatusCode: status, Message: "stub failure"}
	}

	c := &providers.ChatCompletion{
		ID:      "chatcmpl-stub",
		Object:  "chat.completion",
		Created: 1_700_000_000,
		Model:   req.Model,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: p.content},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	if !req.Stream {
		return &providers.ChatResult{Completion: c}, nil
	}

	ch := make(chan providers.StreamChunk, 8)
	go func() {
		defer close(ch)
		ch <- providers.StreamChunk{ID: c.ID, Model: c.Model, Role: "assistant"}
		half := len(p.content) / 2
		ch <- providers.StreamChunk{ID: c.ID, Model: c.Model, Content: p.content[:half]}
		ch <- providers.StreamChunk{ID: c.ID, Model: c.Model, Content: p.content[half:]}
		u := c.Usage
		ch <- providers.StreamChunk{ID: c.ID, Model: c.Model, FinishReason: "stop", Usage: &u}
	}()
	return &providers.ChatResult{Stream: ch}, nil
}

// mappedEmbedder embeds known prompts to fixed vectors.
type mappedEmbedder struct {
	vectors map[string][]float32
}

func (m *mappedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}
func (m *mappedEmbedder) Dimension() int { return 3 }

type testEnv struct {
	gw       *Gateway
	st       *store.Memory
	idx      *vectorindex.MemoryIndex
	provider *stubProvider
	client   *http.Client
	close    func()
}

// newTestEnv builds a full gateway over in-memory backends: memory store and
// index, miniredis counters, a stub upstream, and (optionally) a mapped
// embedder.
func newTestEnv(t *testing.T, plan string, emb embedding.Embedder) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	v, err := vault.New("proxy-test-master")
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	st.PutTenant(&store.Tenant{ID: "t1", Plan: plan})
	st.PutProject(&store.Project{
		ID:                     "p1",
		TenantID:               "t1",
		SemanticCacheThreshold: 0.85,
		CacheTTLSeconds:        3600,
		CacheTTLOverrides:      map[string]int64{},
	})
	st.PutGatewayKey(&store.GatewayKey{
		ID:        "gk1",
		ProjectID: "p1",
		Hash:      auth.HashKey(gatewaySecret),
		IsActive:  true,
	})

	enc, iv, err := v.Encrypt("sk-upstream-primary")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveProviderKey(context.Background(), &store.ProviderKey{
		ProjectID: "p1", Provider: "openai",
		EncryptedKey: enc, IV: iv, Priority: 1, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	prov := &stubProvider{name: "openai", content: "Hello from upstream!"}
	idx := vectorindex.NewMemoryIndex()
	engine := cache.NewEngine(idx, emb, nil, nil)
	gate := auth.NewGate(st, rdb, nil)
	rt := router.New(st, v, map[string]providers.Provider{"openai": prov}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	gw := NewGateway(ctx, gate, engine, rt, pricing.New(pricing.Seed()), st, idx, GatewayOptions{
		ReplayDelay: time.Nanosecond,
		CronSecret:  "cron-secret",
	})

	// Serve over an in-memory listener with the recovery, request-ID, and
	// timing middleware.
	ln := fasthttputil.NewInmemoryListener()
	r := routerHandler(gw)
	go func() {
		_ = fasthttp.Serve(ln, r)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{
		gw: gw, st: st, idx: idx, provider: prov, client: client,
		close: func() {
			_ = ln.Close()
			cancel()
		},
	}
}

// routerHandler dispatches a subset of the routes StartWithRoutes registers
// to the same handlers, behind the recovery, request-ID, and timing
// middleware; CORS and security headers are not applied.
func routerHandler(gw *Gateway) fasthttp.RequestHandler {
	return applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case EndpointChatCompletions, EndpointCompletions:
				gw.dispatchChat(ctx)
			case EndpointEmbeddings:
				gw.dispatchEmbeddings(ctx)
			case "/v1/cache/invalidate":
				gw.handleCacheInvalidate(ctx)
			case "/v1/cache/stats":
				gw.handleCacheStats(ctx)
			case "/v1/cache/ttl":
				gw.handleUpdateTTL(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)
}

func chatBody(content string, streaming bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": content}},
		"stream":   streaming,
	})
	return body
}

func (env *testEnv) post(t *testing.T, path string, body []byte, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://gw"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+gatewaySecret)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- tests ------------------------------------------------------------------

func TestUnauthorizedWithoutKey(t *testing.T) {
	env := newTestEnv(t, store.PlanFree, nil)
	defer env.close()

	resp := env.post(t, EndpointChatCompletions, chatBody("Hello", false), false)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"code":"unauthorized"`)) {
		t.Fatalf("body missing unauthorized code: %s", body)
	}
	if env.provider.calls.Load() != 0 {
		t.Error("unauthorized request reached the upstream")
	}
}

func TestExactHitSecondRequest(t *testing.T) {
	env := newTestEnv(t, store.PlanPro, nil)
	defer env.close()

	// First request: miss, upstream called.
	resp1 := env.post(t, EndpointChatCompletions, chatBody("Hello", false), true)
	body1 := readBody(t, resp1)
	if resp1.StatusCode != 200 {
		t.Fatalf("first status = %d: %s", resp1.StatusCode, body1)
	}
	if got := resp1.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}
	if env.provider.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", env.provider.calls.Load())
	}

	// Second identical request: exact hit, no upstream call, identical body.
	resp2 := env.post(t, EndpointChatCompletions, chatBody("Hello", false), true)
	body2 := readBody(t, resp2)
	if got := resp2.Header.Get("X-Cache"); got != "EXACT" {
		t.Fatalf("second X-Cache = %q, want EXACT", got)
	}
	if got := resp2.Header.Get("X-Cache-Similarity"); got != "1.0" {
		t.Fatalf("X-Cache-Similarity = %q, want 1.0", got)
	}
	if env.provider.calls.Load() != 1 {
		t.Fatalf("upstream calls after hit = %d, want 1", env.provider.calls.Load())
	}
	if !bytes.Equal(body1, body2) {
		t.Fatalf("hit body differs from miss body:\n%s\n%s", body1, body2)
	}
}

func TestSemanticHit(t *testing.T) {
	emb := &mappedEmbedder{vectors: map[string][]float32{
		"user: What is the capital of France?":       {1, 0, 0},
		"user: Which city is the capital of France?": {0.999, 0.04, 0},
	}}
	env := newTestEnv(t, store.PlanPro, emb)
	defer env.close()

	env.provider.content = "Paris."

	resp1 := env.post(t, EndpointChatCompletions, chatBody("What is the capital of France?", false), true)
	readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != "MISS" {
		t.Fatal("seed request should miss")
	}

	resp2 := env.post(t, EndpointChatCompletions, chatBody("Which city is the capital of France?", false), true)
	body2 := readBody(t, resp2)

	if got := resp2.Header.Get("X-Cache"); got != "SEMANTIC" {
		t.Fatalf("X-Cache = %q, want SEMANTIC", got)
	}
	sim, err := strconv.ParseFloat(resp2.Header.Get("X-Cache-Similarity"), 64)
	if err != nil || sim <= 0.85 {
		t.Fatalf("X-Cache-Similarity = %q, want > 0.85", resp2.Header.Get("X-Cache-Similarity"))
	}
	if !bytes.Contains(body2, []byte("Paris.")) {
		t.Fatalf("semantic hit body = %s", body2)
	}
	if env.provider.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", env.provider.calls.Load())
	}
}

func TestStreamingMissThenCachedReplay(t *testing.T) {
	env := newTestEnv(t, store.PlanPro, nil)
	defer env.close()

	// First streaming request: live SSE from the stub upstream.
	resp1 := env.post(t, EndpointChatCompletions, chatBody("Stream me", true), true)
	raw1 := readBody(t, resp1)
	if ct := resp1.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	c1, err := stream.Buffer(bytes.NewReader(raw1))
	if err != nil || c1 == nil {
		t.Fatalf("first stream did not buffer to a completion: %v", err)
	}
	if c1.Content() != "Hello from upstream!" || c1.FinishReason() != "stop" {
		t.Fatalf("first stream content=%q finish=%q", c1.Content(), c1.FinishReason())
	}

	// The insert runs after the client drain; give it a beat.
	time.Sleep(100 * time.Millisecond)

	// Second identical streaming request: replay from the cache.
	resp2 := env.post(t, EndpointChatCompletions, chatBody("Stream me", true), true)
	if got := resp2.Header.Get("X-Cache"); got != "EXACT" {
		t.Fatalf("second X-Cache = %q, want EXACT", got)
	}
	raw2 := readBody(t, resp2)
	c2, err := stream.Buffer(bytes.NewReader(raw2))
	if err != nil || c2 == nil {
		t.Fatalf("replay did not buffer to a completion: %v", err)
	}
	if c2.Content() != c1.Content() || c2.FinishReason() != c1.FinishReason() {
		t.Fatalf("replay mismatch: content=%q finish=%q", c2.Content(), c2.FinishReason())
	}
	if env.provider.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", env.provider.calls.Load())
	}
}

func TestRateLimitEleventhRequest(t *testing.T) {
	env := newTestEnv(t, store.PlanFree, nil) // 10 rpm
	defer env.close()

	for i := 0; i < 10; i++ {
		resp := env.post(t, EndpointChatCompletions, chatBody("req "+strconv.Itoa(i), false), true)
		readBody(t, resp)
		if resp.StatusCode != 200 {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}
	callsBefore := env.provider.calls.Load()

	resp := env.post(t, EndpointChatCompletions, chatBody("req 11", false), true)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th status = %d, want 429: %s", resp.StatusCode, body)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Fatalf("Retry-After = %q, want within [1, 60]", resp.Header.Get("Retry-After"))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", resp.Header.Get("X-RateLimit-Remaining"))
	}
	if env.provider.calls.Load() != callsBefore {
		t.Error("rate-limited request reached the upstream")
	}
}

func TestProviderKeyFailover(t *testing.T) {
	env := newTestEnv(t, store.PlanPro, nil)
	defer env.close()

	// Add a priority-2 backup key and make the primary fail auth upstream.
	v, _ := vault.New("proxy-test-master")
	enc, iv, _ := v.Encrypt("sk-upstream-backup")
	if err := env.st.SaveProviderKey(context.Background(), &store.ProviderKey{
		ProjectID: "p1", Provider: "openai",
		EncryptedKey: enc, IV: iv, Priority: 2, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	env.provider.failFor = map[string]int{"sk-upstream-primary": 401}

	resp := env.post(t, EndpointChatCompletions, chatBody("failover please", false), true)
	body := readBody(t, resp)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 after failover: %s", resp.StatusCode, body)
	}
	if env.provider.calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (primary + backup)", env.provider.calls.Load())
	}
}

func TestInvalidateByModelForcesMiss(t *testing.T) {
	env := newTestEnv(t, store.PlanPro, nil)
	defer env.close()

	readBody(t, env.post(t, EndpointChatCompletions, chatBody("Hello", false), true))
	resp := env.post(t, EndpointChatCompletions, chatBody("Hello", false), true)
	readBody(t, resp)
	if resp.Header.Get("X-Cache") != "EXACT" {
		t.Fatal("expected a cached entry before invalidation")
	}

	inv := env.post(t, "/v1/cache/invalidate", []byte(`{"model":"gpt-4o"}`), true)
	invBody := readBody(t, inv)
	if inv.StatusCode != 200 {
		t.Fatalf("invalidate status = %d: %s", inv.StatusCode, invBody)
	}
	var out struct {
		Entries int `json:"entries_invalidated"`
	}
	if err := json.Unmarshal(invBody, &out); err != nil || out.Entries != 1 {
		t.Fatalf("entries_invalidated = %s", invBody)
	}

	resp = env.post(t, EndpointChatCompletions, chatBody("Hello", false), true)
	readBody(t, resp)
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("post-invalidation X-Cache = %q, want MISS", resp.Header.Get("X-Cache"))
	}
}

func TestUpdateTTLValidation(t *testing.T) {
	env := newTestEnv(t, store.PlanPro, nil)
	defer env.close()

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"default_ttl_seconds":3600}`, 200},
		{"infinite", `{"default_ttl_seconds":0}`, 200},
		{"too short", `{"default_ttl_seconds":59}`, 400},
		{"too long", `{"default_ttl_seconds":31536001}`, 400},
		{"valid override", `{"default_ttl_seconds":3600,"overrides":{"/v1/embeddings":86400}}`, 200},
		{"unknown endpoint", `{"default_ttl_seconds":3600,"overrides":{"/v1/bogus":600}}`, 400},
		{"override too short", `{"default_ttl_seconds":3600,"overrides":{"/v1/embeddings":30}}`, 400},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/v1/cache/ttl", []byte(tc.body), true)
			body := readBody(t, resp)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tc.status, body)
			}
		})
	}
}

func TestQuotaHeadersPresent(t *testing.T) {
	env := newTestEnv(t, store.PlanFree, nil)
	defer env.close()

	resp := env.post(t, EndpointChatCompletions, chatBody("Hello", false), true)
	readBody(t, resp)

	for _, h := range []string{
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		"X-Quota-Limit", "X-Quota-Remaining", "X-Quota-Reset",
	} {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if got := resp.Header.Get("X-Quota-Limit"); got != "1000" {
		t.Errorf("X-Quota-Limit = %q, want 1000 (free plan)", got)
	}
}
