package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/vectorindex"
)

// stubEmbedder returns a fixed vector per prompt, or an error when failing.
type stubEmbedder struct {
	vectors map[string][]float32
	failing bool
	calls   atomic.Int64
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.failing {
		return nil, errors.New("embedder down")
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

func testProject() *store.Project {
	return &store.Project{
		ID:                     "p1",
		TenantID:               "t1",
		SemanticCacheThreshold: 0.85,
		CacheTTLSeconds:        3600,
		CacheTTLOverrides:      map[string]int64{},
	}
}

func completion(content, finish string) *providers.ChatCompletion {
	return &providers.ChatCompletion{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Created: 1_700_000_000,
		Model:   "gpt-4o",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
}

func newEngine(emb *stubEmbedder) (*Engine, *vectorindex.MemoryIndex) {
	idx := vectorindex.NewMemoryIndex()
	var e *Engine
	if emb == nil {
		e = NewEngine(idx, nil, nil, nil)
	} else {
		e = NewEngine(idx, emb, nil, nil)
	}
	return e, idx
}

func TestLookupMissThenExactHit(t *testing.T) {
	emb := &stubEmbedder{}
	e, _ := newEngine(emb)
	ctx := context.Background()
	project := testProject()
	req := baseRequest()

	res := e.Lookup(ctx, project, req)
	if res.Status != StatusMiss {
		t.Fatalf("first lookup = %s, want MISS", res.Status)
	}

	e.Insert(ctx, project, req, res.Fingerprint, completion("Hello!", "stop"), "openai", 0.001)

	res2 := e.Lookup(ctx, project, req)
	if res2.Status != StatusExact {
		t.Fatalf("second lookup = %s, want EXACT", res2.Status)
	}
	if res2.Similarity != 1.0 {
		t.Errorf("exact similarity = %v, want 1.0", res2.Similarity)
	}
	if res2.Completion.Content() != "Hello!" {
		t.Errorf("content = %q", res2.Completion.Content())
	}
}

func TestLookupSemanticHit(t *testing.T) {
	// Two different prompts mapped to nearly identical vectors.
	emb := &stubEmbedder{vectors: map[string][]float32{
		"user: What is the capital of France?":        {1, 0, 0},
		"user: Which city is the capital of France?":  {0.999, 0.04, 0},
	}}
	e, _ := newEngine(emb)
	ctx := context.Background()
	project := testProject()

	seed := baseRequest()
	seed.Messages = []providers.Message{{Role: "user", Content: "What is the capital of France?"}}
	seedFP := Fingerprint(seed)
	e.Insert(ctx, project, seed, seedFP, completion("Paris.", "stop"), "openai", 0.001)

	query := baseRequest()
	query.Messages = []providers.Message{{Role: "user", Content: "Which city is the capital of France?"}}

	res := e.Lookup(ctx, project, query)
	if res.Status != StatusSemantic {
		t.Fatalf("lookup = %s, want SEMANTIC", res.Status)
	}
	if res.Similarity <= project.SemanticCacheThreshold {
		t.Errorf("similarity %v must exceed threshold %v", res.Similarity, project.SemanticCacheThreshold)
	}
	if res.Completion.Content() != "Paris." {
		t.Errorf("content = %q, want Paris.", res.Completion.Content())
	}
	if res.Fingerprint != seedFP {
		t.Errorf("semantic hit must report the matched entry's fingerprint")
	}
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"user: seed":  {1, 0, 0},
		"user: other": {0, 1, 0}, // orthogonal — similarity 0
	}}
	e, _ := newEngine(emb)
	ctx := context.Background()
	project := testProject()

	seed := baseRequest()
	seed.Messages = []providers.Message{{Role: "user", Content: "seed"}}
	e.Insert(ctx, project, seed, Fingerprint(seed), completion("answer", "stop"), "openai", 0)

	query := baseRequest()
	query.Messages = []providers.Message{{Role: "user", Content: "other"}}

	if res := e.Lookup(ctx, project, query); res.Status != StatusMiss {
		t.Fatalf("lookup = %s, want MISS below threshold", res.Status)
	}
}

func TestEmbedderFailureDegradesToExact(t *testing.T) {
	emb := &stubEmbedder{}
	e, _ := newEngine(emb)
	ctx := context.Background()
	project := testProject()
	req := baseRequest()

	e.Insert(ctx, project, req, Fingerprint(req), completion("cached", "stop"), "openai", 0)

	emb.failing = true

	// Exact lookups still work.
	if res := e.Lookup(ctx, project, req); res.Status != StatusExact {
		t.Fatalf("exact lookup with failing embedder = %s, want EXACT", res.Status)
	}

	// Near-duplicate prompts silently miss instead of erroring.
	other := baseRequest()
	other.Messages = []providers.Message{{Role: "user", Content: "Hello there"}}
	if res := e.Lookup(ctx, project, other); res.Status != StatusMiss {
		t.Fatalf("semantic lookup with failing embedder = %s, want MISS", res.Status)
	}
}

func TestInsertRejectsNonTerminal(t *testing.T) {
	e, idx := newEngine(&stubEmbedder{})
	ctx := context.Background()
	project := testProject()
	req := baseRequest()
	fp := Fingerprint(req)

	cases := []*providers.ChatCompletion{
		completion("truncated", ""),        // no finish reason
		completion("", "stop"),             // empty content
		nil,                                // no completion at all
	}
	for _, c := range cases {
		e.Insert(ctx, project, req, fp, c, "openai", 0)
	}

	if entry, _ := idx.ExactGet(ctx, project.ID, fp); entry != nil {
		t.Fatal("non-terminal completion was cached")
	}
}

func TestInsertHonorsTTLOverride(t *testing.T) {
	e, idx := newEngine(&stubEmbedder{})
	ctx := context.Background()

	project := testProject()
	project.CacheTTLSeconds = 3600
	project.CacheTTLOverrides["/v1/chat/completions"] = 60

	req := baseRequest()
	fp := Fingerprint(req)
	e.Insert(ctx, project, req, fp, completion("x", "stop"), "openai", 0)

	entry, _ := idx.ExactGet(ctx, project.ID, fp)
	if entry == nil || entry.ExpiresAt == nil {
		t.Fatal("entry missing or without expiry")
	}
	ttl := time.Until(*entry.ExpiresAt)
	if ttl > 61*time.Second || ttl < 50*time.Second {
		t.Fatalf("override TTL not applied: expires in %v, want ~60s", ttl)
	}
}

func TestInsertInfiniteTTL(t *testing.T) {
	e, idx := newEngine(&stubEmbedder{})
	ctx := context.Background()

	project := testProject()
	project.CacheTTLSeconds = store.TTLInfinite

	req := baseRequest()
	fp := Fingerprint(req)
	e.Insert(ctx, project, req, fp, completion("forever", "stop"), "openai", 0)

	entry, _ := idx.ExactGet(ctx, project.ID, fp)
	if entry == nil {
		t.Fatal("entry missing")
	}
	if entry.ExpiresAt != nil {
		t.Fatal("infinite TTL must store a nil expiry")
	}
}

func TestCoalesceSingleUpstreamCall(t *testing.T) {
	e, _ := newEngine(&stubEmbedder{})
	ctx := context.Background()

	var upstreamCalls atomic.Int64
	release := make(chan struct{})

	fn := func() (*providers.ChatCompletion, error) {
		upstreamCalls.Add(1)
		<-release
		return completion("shared answer", "stop"), nil
	}

	const followers = 8
	var wg sync.WaitGroup
	results := make([]*providers.ChatCompletion, followers)

	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := e.Coalesce(ctx, "p1", "fp-shared", fn)
			if err != nil {
				t.Errorf("follower %d: %v", i, err)
				return
			}
			results[i] = c
		}(i)
	}

	// Give every goroutine time to join the flight, then release the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := upstreamCalls.Load(); n != 1 {
		t.Fatalf("upstream called %d times, want exactly 1", n)
	}
	for i, c := range results {
		if c == nil || c.Content() != "shared answer" {
			t.Fatalf("follower %d got %+v", i, c)
		}
	}
}

func TestCoalesceDistinctKeysRunIndependently(t *testing.T) {
	e, _ := newEngine(&stubEmbedder{})
	ctx := context.Background()

	var calls atomic.Int64
	fn := func() (*providers.ChatCompletion, error) {
		calls.Add(1)
		return completion("x", "stop"), nil
	}

	if _, _, err := e.Coalesce(ctx, "p1", "fp-a", fn); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Coalesce(ctx, "p2", "fp-a", fn); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("distinct (project, fingerprint) pairs shared a flight: %d calls", n)
	}
}

func TestCoalescePropagatesLeaderError(t *testing.T) {
	e, _ := newEngine(&stubEmbedder{})

	wantErr := errors.New("upstream exploded")
	_, _, err := e.Coalesce(context.Background(), "p1", "fp-err", func() (*providers.ChatCompletion, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want leader error", err)
	}
}

func TestBypassList(t *testing.T) {
	bl, err := NewBypassList([]string{"gpt-4o-realtime"}, []string{"^ft:", "-preview$"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-realtime", true},
		{"ft:gpt-4o:org:abc", true},
		{"gemini-2.0-pro-preview", true},
		{"gpt-4o", false},
	}
	for _, tc := range cases {
		if got := bl.Matches(tc.model); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}

	var nilList *BypassList
	if nilList.Matches("anything") {
		t.Error("nil BypassList must never match")
	}

	if _, err := NewBypassList(nil, []string{"("}); err == nil {
		t.Error("invalid pattern must fail at construction")
	}
}
