package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/vault"
)

// funcProvider routes Request to a test-supplied function.
type funcProvider struct {
	name      string
	requestFn func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error)
}

func (p *funcProvider) Name() string { return p.name }
func (p *funcProvider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	return p.requestFn(ctx, req)
}
func (p *funcProvider) HealthCheck(context.Context) error { return nil }

func okCompletion(content string) *providers.ChatResult {
	return &providers.ChatResult{Completion: &providers.ChatCompletion{
		ID:    "resp-1",
		Model: "gpt-4o",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}}
}

// newRouterWithKeys seeds a memory store with one active openai key per
// secret (priorities 1..n in argument order) encrypted under a fresh vault.
func newRouterWithKeys(t *testing.T, prov providers.Provider, secrets ...string) (*Router, []string) {
	t.Helper()

	v, err := vault.New("router-test-master")
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	ids := make([]string, 0, len(secrets))
	for i, secret := range secrets {
		enc, iv, err := v.Encrypt(secret)
		if err != nil {
			t.Fatal(err)
		}
		key := &store.ProviderKey{
			ProjectID:    "p1",
			Provider:     "openai",
			EncryptedKey: enc,
			IV:           iv,
			Priority:     i + 1,
			IsActive:     true,
		}
		if err := st.SaveProviderKey(context.Background(), key); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, key.ID)
	}

	r := New(st, v, map[string]providers.Provider{"openai": prov}, nil)
	return r, ids
}

func chatReq() *providers.ChatRequest {
	return &providers.ChatRequest{
		Endpoint:  "/v1/chat/completions",
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		ProjectID: "p1",
		RequestID: "req-1",
	}
}

func TestDispatchUsesPriorityOneKey(t *testing.T) {
	var seenKey string
	prov := &funcProvider{name: "openai", requestFn: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		seenKey = req.APIKey
		return okCompletion("hello"), nil
	}}

	r, ids := newRouterWithKeys(t, prov, "sk-primary", "sk-secondary")

	result, keyID, err := r.Dispatch(context.Background(), chatReq(), "openai")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Completion.Content() != "hello" {
		t.Errorf("content = %q", result.Completion.Content())
	}
	if seenKey != "sk-primary" {
		t.Errorf("provider saw key %q, want the decrypted priority-1 key", seenKey)
	}
	if keyID != ids[0] {
		t.Errorf("winning key = %q, want %q", keyID, ids[0])
	}
}

func TestDispatchFailsOverOnAuthError(t *testing.T) {
	calls := 0
	prov := &funcProvider{name: "openai", requestFn: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		calls++
		if req.APIKey == "sk-revoked" {
			return nil, &providers.Error{Provider: "openai", StatusCode: 401, Message: "invalid api key"}
		}
		return okCompletion("served by backup"), nil
	}}

	r, ids := newRouterWithKeys(t, prov, "sk-revoked", "sk-backup")

	start := time.Now()
	result, keyID, err := r.Dispatch(context.Background(), chatReq(), "openai")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 2 {
		t.Errorf("provider called %d times, want 2", calls)
	}
	if keyID != ids[1] {
		t.Errorf("winning key = %q, want the priority-2 key", keyID)
	}
	if result.Completion.Content() != "served by backup" {
		t.Errorf("content = %q", result.Completion.Content())
	}
	// Fail-over must not introduce artificial latency.
	if elapsed > 200*time.Millisecond {
		t.Errorf("failover took %v, want under 200ms", elapsed)
	}
}

func TestDispatchAbortsOnBadRequest(t *testing.T) {
	calls := 0
	prov := &funcProvider{name: "openai", requestFn: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		calls++
		return nil, &providers.Error{Provider: "openai", StatusCode: 400, Message: "bad request"}
	}}

	r, _ := newRouterWithKeys(t, prov, "sk-1", "sk-2")

	_, _, err := r.Dispatch(context.Background(), chatReq(), "openai")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 1 {
		t.Errorf("4xx must not fail over: provider called %d times", calls)
	}
}

func TestDispatchExhaustsAllKeys(t *testing.T) {
	prov := &funcProvider{name: "openai", requestFn: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		return nil, &providers.Error{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	}}

	r, _ := newRouterWithKeys(t, prov, "sk-1", "sk-2")

	_, _, err := r.Dispatch(context.Background(), chatReq(), "openai")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestDispatchNoActiveKeys(t *testing.T) {
	prov := &funcProvider{name: "openai", requestFn: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		t.Fatal("provider must not be called without keys")
		return nil, nil
	}}

	r, _ := newRouterWithKeys(t, prov) // zero keys

	_, _, err := r.Dispatch(context.Background(), chatReq(), "openai")
	if !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestDispatchHonorsShortRetryAfter(t *testing.T) {
	calls := 0
	prov := &funcProvider{name: "openai", requestFn: func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		calls++
		if calls == 1 {
			return nil, &providers.Error{Provider: "openai", StatusCode: 429, Message: "slow down", Retry: 10 * time.Millisecond}
		}
		return okCompletion("after wait"), nil
	}}

	r, ids := newRouterWithKeys(t, prov, "sk-1", "sk-2")

	result, keyID, err := r.Dispatch(context.Background(), chatReq(), "openai")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// A short Retry-After is waited out on the same key, not failed over.
	if keyID != ids[0] {
		t.Errorf("winning key = %q, want the priority-1 key", keyID)
	}
	if result.Completion.Content() != "after wait" {
		t.Errorf("content = %q", result.Completion.Content())
	}
}

func TestResolveProvider(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"claude-3-5-sonnet", "anthropic"},
		{"llama-3.3-70b-versatile", "groq"},
		{"mixtral-8x7b-32768", "groq"},
		{"openai/gpt-4o", "openrouter"},
		{"anthropic/claude-3.5-sonnet", "openrouter"},
	}
	for _, tc := range cases {
		if got := ResolveProvider(tc.model); got != tc.want {
			t.Errorf("ResolveProvider(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestKeyBreakerTripsAndRecovers(t *testing.T) {
	b := NewKeyBreaker()

	if !b.Allow("k1") {
		t.Fatal("fresh key must be allowed")
	}
	for i := 0; i < breakerErrorThreshold; i++ {
		b.RecordFailure("k1")
	}
	if b.Allow("k1") {
		t.Fatal("breaker must open after repeated failures")
	}

	// Success after a half-open probe closes the breaker again.
	b.breakers["k1"].openedAt = time.Now().Add(-2 * breakerHalfOpenTimeout)
	if !b.Allow("k1") {
		t.Fatal("cooled-down breaker must allow a probe")
	}
	b.RecordSuccess("k1")
	if !b.Allow("k1") {
		t.Fatal("breaker must close after a successful probe")
	}
}
