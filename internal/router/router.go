package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/vault"
)

// maxRetryAfterWait is the longest upstream Retry-After the router will sit
// out before failing over to the next key instead.
const maxRetryAfterWait = 2 * time.Second

var (
	// ErrNoKeys is returned when the project has no active key for the
	// resolved provider.
	ErrNoKeys = errors.New("router: no active provider keys")

	// ErrExhausted is returned when every candidate key failed.
	ErrExhausted = errors.New("router: all provider keys failed")
)

// Router walks a project's active provider keys in priority order, decrypting
// each through the vault, and fails over on upstream auth failures and
// outages. Success touches last_used_at on the winning key.
type Router struct {
	store     store.Store
	vault     *vault.Vault
	providers map[string]providers.Provider
	breaker   *KeyBreaker
	log       *slog.Logger
}

// New creates a Router over the given provider adapters.
func New(st store.Store, v *vault.Vault, provs map[string]providers.Provider, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     st,
		vault:     v,
		providers: provs,
		breaker:   NewKeyBreaker(),
		log:       log,
	}
}

// Vault exposes the key vault for the admin surface's key-save path.
func (r *Router) Vault() *vault.Vault { return r.vault }

// Dispatch sends req to the provider serving req.Model. Returns the result
// and the ID of the provider key that served it.
//
// Failover walks priority-ascending keys: auth failures and outages move to
// the next key immediately; upstream rate limits with a Retry-After of at
// most two seconds are waited out and retried on the same key, longer ones
// fail over. A streaming call is never retried once its channel is returned —
// in-stream errors surface on the channel.
func (r *Router) Dispatch(ctx context.Context, req *providers.ChatRequest, providerName string) (*providers.ChatResult, string, error) {
	prov, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("router: unknown provider %q", providerName)
	}

	keys, err := r.store.ActiveProviderKeys(ctx, req.ProjectID, providerName)
	if err != nil {
		return nil, "", fmt.Errorf("router: load keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, "", ErrNoKeys
	}

	var lastErr error

	for _, key := range keys {
		if !r.breaker.Allow(key.ID) {
			r.log.WarnContext(ctx, "provider_key_cooling_down",
				slog.String("request_id", req.RequestID),
				slog.String("provider", providerName),
				slog.String("key_id", key.ID),
			)
			continue
		}

		secret, err := r.vault.Decrypt(key.EncryptedKey, key.IV)
		if err != nil {
			// A key that no longer decrypts is unusable; skip, don't abort.
			r.log.ErrorContext(ctx, "provider_key_decrypt_failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}
		req.APIKey = secret

		result, err := r.attempt(ctx, prov, req, key.ID)
		if err == nil {
			r.breaker.RecordSuccess(key.ID)
			go r.touchKey(key.ID)
			return result, key.ID, nil
		}

		lastErr = err
		r.breaker.RecordFailure(key.ID)

		r.log.WarnContext(ctx, "provider_key_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", providerName),
			slog.String("key_id", key.ID),
			slog.Int("priority", key.Priority),
			slog.String("error", err.Error()),
		)

		if !failoverEligible(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrNoKeys
	}
	return nil, "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// attempt performs one provider call on the given key, retrying once in place
// when the upstream rate limit asks for a short wait.
func (r *Router) attempt(ctx context.Context, prov providers.Provider, req *providers.ChatRequest, keyID string) (*providers.ChatResult, error) {
	callCtx := ctx
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, providers.RequestTimeout)
		defer cancel()
	}

	result, err := prov.Request(callCtx, req)
	if err == nil {
		return result, nil
	}

	if providers.IsRateLimited(err) {
		var ra providers.RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 && ra.RetryAfter() <= maxRetryAfterWait {
			select {
			case <-time.After(ra.RetryAfter()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return prov.Request(callCtx, req)
		}
	}

	return nil, err
}

// DispatchEmbedding sends a pass-through embedding request with the same
// key-failover walk as Dispatch.
func (r *Router) DispatchEmbedding(ctx context.Context, req *providers.EmbeddingRequest, providerName string) (*providers.EmbeddingResponse, string, error) {
	prov, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("router: unknown provider %q", providerName)
	}
	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		return nil, "", fmt.Errorf("router: provider %q does not support embeddings", providerName)
	}

	keys, err := r.store.ActiveProviderKeys(ctx, req.ProjectID, providerName)
	if err != nil {
		return nil, "", fmt.Errorf("router: load keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, "", ErrNoKeys
	}

	var lastErr error
	for _, key := range keys {
		if !r.breaker.Allow(key.ID) {
			continue
		}

		secret, err := r.vault.Decrypt(key.EncryptedKey, key.IV)
		if err != nil {
			lastErr = err
			continue
		}
		req.APIKey = secret

		callCtx, cancel := context.WithTimeout(ctx, providers.RequestTimeout)
		resp, err := embedder.Embed(callCtx, req)
		cancel()
		if err == nil {
			r.breaker.RecordSuccess(key.ID)
			go r.touchKey(key.ID)
			return resp, key.ID, nil
		}

		lastErr = err
		r.breaker.RecordFailure(key.ID)
		if !failoverEligible(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrNoKeys
	}
	return nil, "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// failoverEligible decides whether the next key should be tried.
//
//   - upstream 401/403       → yes (this key is revoked, another may work)
//   - upstream 429           → yes (per-key rate limits are independent)
//   - 5xx / timeout / transport → yes
//   - other 4xx              → no (the request itself is bad; same result everywhere)
func failoverEligible(err error) bool {
	if providers.IsAuthFailure(err) || providers.IsRateLimited(err) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status >= 400 && status < 500 {
			return false
		}
	}
	return providers.IsUnavailable(err)
}

// touchKey updates last_used_at off the hot path.
func (r *Router) touchKey(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.store.TouchProviderKey(ctx, keyID); err != nil {
		r.log.Warn("touch_provider_key_failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
	}
}
