package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/watchllm/gateway/internal/embedding"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/vectorindex"
)

// Cache status values surfaced in the X-Cache header.
const (
	StatusExact    = "EXACT"
	StatusSemantic = "SEMANTIC"
	StatusMiss     = "MISS"
	StatusBypass   = "BYPASS"
)

const (
	// nearestK bounds the candidate set of a semantic lookup.
	nearestK = 5

	// coalesceTimeout bounds how long a follower waits for the leader's
	// upstream call: the provider deadline plus slack for the cache insert.
	coalesceTimeout = providers.RequestTimeout + 2*time.Second
)

// Result is the outcome of a cache lookup.
type Result struct {
	Status      string
	Similarity  float64
	Completion  *providers.ChatCompletion
	Fingerprint string
}

// Engine composes the fingerprinter, embedder, and vector index into the
// exact → semantic → miss lookup ladder, and coalesces concurrent misses for
// the same (project, fingerprint) into a single upstream call.
type Engine struct {
	index    vectorindex.Index
	embedder embedding.Embedder // nil disables semantic lookups
	bypass   *BypassList
	group    singleflight.Group
	log      *slog.Logger
}

// NewEngine creates an Engine. embedder may be nil, which degrades every
// lookup to fingerprint-exact matching.
func NewEngine(index vectorindex.Index, embedder embedding.Embedder, bypass *BypassList, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{index: index, embedder: embedder, bypass: bypass, log: log}
}

// Bypassed reports whether the model skips the cache entirely.
func (e *Engine) Bypassed(model string) bool {
	return e.bypass.Matches(model)
}

// Lookup runs the lookup ladder for req. Failures in the embedder or the
// vector index degrade (to exact-only and to miss respectively) — they are
// never surfaced to the caller.
func (e *Engine) Lookup(ctx context.Context, project *store.Project, req *providers.ChatRequest) *Result {
	fp := Fingerprint(req)
	res := &Result{Status: StatusMiss, Fingerprint: fp}

	// 1. Exact fingerprint match.
	entry, err := e.index.ExactGet(ctx, project.ID, fp)
	if err != nil {
		e.log.WarnContext(ctx, "cache_exact_lookup_error",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
	}
	if entry != nil {
		if c := decodeEntry(entry); c != nil {
			res.Status = StatusExact
			res.Similarity = 1.0
			res.Completion = c
			e.recordHit(project.ID, entry.Fingerprint)
			return res
		}
	}

	// 2. Semantic match, skipped entirely when the embedder is absent or
	// failing — exact-only degradation, never an error.
	if e.embedder == nil {
		return res
	}
	vec, err := e.embedder.Embed(ctx, PromptText(req.Messages))
	if err != nil {
		e.log.WarnContext(ctx, "embedder_degraded_to_exact",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return res
	}

	matches, err := e.index.Nearest(ctx, project.ID, req.Endpoint, vec, nearestK, project.SemanticCacheThreshold)
	if err != nil {
		e.log.WarnContext(ctx, "cache_semantic_lookup_error",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return res
	}
	if len(matches) > 0 {
		best := matches[0]
		if c := decodeEntry(best.Entry); c != nil {
			res.Status = StatusSemantic
			res.Similarity = best.Score
			res.Completion = c
			res.Fingerprint = best.Entry.Fingerprint
			e.recordHit(project.ID, best.Entry.Fingerprint)
			return res
		}
	}

	return res
}

// Insert stores a completed upstream response under the request's
// fingerprint. Only complete, terminal responses are cached; anything else is
// dropped silently. Insert failures are logged, never propagated — the
// client already has its answer.
func (e *Engine) Insert(ctx context.Context, project *store.Project, req *providers.ChatRequest, fp string, completion *providers.ChatCompletion, providerName string, costUSD float64) {
	if !completion.Cacheable() {
		return
	}

	ttl := project.EffectiveTTL(req.Endpoint)
	var expiresAt *time.Time
	if ttl != store.TTLInfinite {
		t := time.Now().Add(time.Duration(ttl) * time.Second)
		expiresAt = &t
	}

	payload, err := json.Marshal(completion)
	if err != nil {
		e.log.WarnContext(ctx, "cache_insert_marshal_error", slog.String("error", err.Error()))
		return
	}

	entry := &vectorindex.Entry{
		Fingerprint:       fp,
		ProjectID:         project.ID,
		EndpointPath:      req.Endpoint,
		Provider:          providerName,
		Model:             req.Model,
		CanonicalResponse: payload,
		PromptTokens:      completion.Usage.PromptTokens,
		CompletionTokens:  completion.Usage.CompletionTokens,
		CostUSD:           costUSD,
		CreatedAt:         time.Now(),
		ExpiresAt:         expiresAt,
	}

	// Embed for future semantic lookups; an embedder failure stores an
	// exact-only entry rather than dropping the insert.
	if e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, PromptText(req.Messages)); err == nil {
			entry.PromptEmbedding = vec
		} else {
			e.log.WarnContext(ctx, "cache_insert_embed_skipped", slog.String("error", err.Error()))
		}
	}

	if err := e.index.Put(ctx, entry); err != nil {
		e.log.WarnContext(ctx, "cache_insert_error",
			slog.String("request_id", req.RequestID),
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
	}
}

// Coalesce runs fn once per concurrent (projectID, fingerprint) miss.
// Followers block on the leader's result; shared is true for followers.
// The wait is bounded by coalesceTimeout so an abandoned leader cannot strand
// its followers — on timeout the follower's key is forgotten and the error
// sends it back through the normal miss path.
func (e *Engine) Coalesce(ctx context.Context, projectID, fp string, fn func() (*providers.ChatCompletion, error)) (*providers.ChatCompletion, bool, error) {
	key := projectID + ":" + fp

	// Only the leader's closure runs, so leader stays false for followers;
	// the receive from resCh orders the write before the read.
	leader := false
	resCh := e.group.DoChan(key, func() (any, error) {
		leader = true
		defer e.group.Forget(key)
		return fn()
	})

	timer := time.NewTimer(coalesceTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		follower := res.Shared && !leader
		if res.Err != nil {
			return nil, follower, res.Err
		}
		c, _ := res.Val.(*providers.ChatCompletion)
		return c, follower, nil
	case <-timer.C:
		e.group.Forget(key)
		return nil, false, fmt.Errorf("cache: coalesced call timed out after %s", coalesceTimeout)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Invalidate forwards an invalidation filter to the index.
func (e *Engine) Invalidate(ctx context.Context, projectID string, f vectorindex.Filter) (int, error) {
	return e.index.Invalidate(ctx, projectID, f)
}

// recordHit bumps the entry's hit counter off the hot path — the client's
// first byte never waits on a counter write.
func (e *Engine) recordHit(projectID, fp string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.index.IncrementHit(ctx, projectID, fp); err != nil {
			e.log.Warn("cache_hit_count_error", slog.String("error", err.Error()))
		}
	}()
}

// decodeEntry unmarshals a stored canonical response, discarding entries that
// no longer parse or that fail the terminal-finish guarantee.
func decodeEntry(entry *vectorindex.Entry) *providers.ChatCompletion {
	var c providers.ChatCompletion
	if err := json.Unmarshal(entry.CanonicalResponse, &c); err != nil {
		return nil
	}
	if !c.Cacheable() {
		return nil
	}
	return &c
}
