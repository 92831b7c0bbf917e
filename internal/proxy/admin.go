package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/internal/vectorindex"
	"github.com/watchllm/gateway/pkg/apierr"
)

// TTL bounds accepted by the admin surface. store.TTLInfinite (0) is also valid.
const (
	minTTLSeconds int64 = 60
	maxTTLSeconds int64 = 31_536_000
)

// Threshold bounds for the semantic cache.
const (
	minThreshold = 0.5
	maxThreshold = 0.99
)

// costAlertThresholds are the default percent-of-quota alert lines; the
// project's own threshold is merged in by the sweep.
var costAlertThresholds = []int{50, 75, 90, 95, 100}

// authAdmin resolves the caller like the proxy path does — every admin call
// requires a gateway key, and operates on that key's project only.
func (g *Gateway) authAdmin(ctx *fasthttp.RequestCtx) *auth.Identity {
	id, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, "", err)
		return nil
	}
	return id
}

// ── Cache invalidation ───────────────────────────────────────────────────────

type invalidateRequest struct {
	Model  string `json:"model,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// kindToEndpoint maps the invalidation API's kind names to endpoint paths.
var kindToEndpoint = map[string]string{
	"chat":       EndpointChatCompletions,
	"completion": EndpointCompletions,
	"embedding":  EndpointEmbeddings,
}

// handleCacheInvalidate implements POST /v1/cache/invalidate.
// When all=true the other filter fields are ignored.
func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	var in invalidateRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	f := vectorindex.Filter{Model: in.Model, All: in.All}
	if in.Kind != "" {
		ep, ok := kindToEndpoint[in.Kind]
		if !ok {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("unknown kind %q", in.Kind),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		f.EndpointPath = ep
	}
	for _, tf := range []struct {
		raw string
		dst **time.Time
	}{{in.Before, &f.Before}, {in.After, &f.After}} {
		if tf.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tf.raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"before/after must be RFC 3339 timestamps",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		*tf.dst = &t
	}

	n, err := g.engine.Invalidate(ctx, id.Project.ID, f)
	if err != nil {
		g.log.ErrorContext(ctx, "invalidate_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	g.log.InfoContext(ctx, "cache_invalidated",
		slog.String("project_id", id.Project.ID),
		slog.Int("entries", n),
	)
	writeJSON(ctx, map[string]int{"entries_invalidated": n})
}

// handleCacheStats implements GET /v1/cache/stats.
func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	stats, err := g.index.AgeBuckets(ctx, id.Project.ID)
	if err != nil {
		g.log.ErrorContext(ctx, "cache_stats_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, stats)
}

// ── TTL and threshold updates ────────────────────────────────────────────────

type updateTTLRequest struct {
	DefaultTTLSeconds int64            `json:"default_ttl_seconds"`
	Overrides         map[string]int64 `json:"overrides,omitempty"`
}

// validTTL accepts the [60s, 1y] range plus the infinite sentinel.
func validTTL(ttl int64) bool {
	return ttl == store.TTLInfinite || (ttl >= minTTLSeconds && ttl <= maxTTLSeconds)
}

// handleUpdateTTL implements POST /v1/cache/ttl. Override keys are validated
// against the known endpoints on write; reads trust the stored map.
func (g *Gateway) handleUpdateTTL(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	var in updateTTLRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if !validTTL(in.DefaultTTLSeconds) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("default_ttl_seconds must be 0 (infinite) or within [%d, %d]", minTTLSeconds, maxTTLSeconds),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	for ep, ttl := range in.Overrides {
		if !knownEndpoint(ep) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("unknown endpoint %q in overrides", ep),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		if !validTTL(ttl) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("override for %q out of range", ep),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	if err := g.store.UpdateCacheTTL(ctx, id.Project.ID, in.DefaultTTLSeconds, in.Overrides); err != nil {
		g.log.ErrorContext(ctx, "update_ttl_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

func knownEndpoint(ep string) bool {
	for _, k := range KnownEndpoints {
		if ep == k {
			return true
		}
	}
	return false
}

type updateThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// handleUpdateThreshold implements POST /v1/cache/threshold.
func (g *Gateway) handleUpdateThreshold(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	var in updateThresholdRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Threshold < minThreshold || in.Threshold > maxThreshold {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("threshold must be within [%g, %g]", minThreshold, maxThreshold),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if err := g.store.UpdateCacheThreshold(ctx, id.Project.ID, in.Threshold); err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

// ── Cache feedback & recommendations ─────────────────────────────────────────

type feedbackRequest struct {
	CacheEntryID    string  `json:"cache_entry_id"`
	Accurate        bool    `json:"accurate"`
	SimilarityScore float64 `json:"similarity_score"`
}

// handleCacheFeedback implements POST /v1/cache/feedback.
func (g *Gateway) handleCacheFeedback(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	var in feedbackRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil || in.CacheEntryID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "cache_entry_id is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	fb := &store.CacheFeedback{
		ProjectID:       id.Project.ID,
		CacheEntryID:    in.CacheEntryID,
		Accurate:        in.Accurate,
		SimilarityScore: in.SimilarityScore,
	}
	if err := g.store.InsertCacheFeedback(ctx, fb); err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "recorded"})
}

// thresholdRecommendation applies the feedback heuristic:
// with at least 10 samples, an inaccuracy rate above 10% raises the threshold
// by 0.03 (capped at 0.98); below 2% with a threshold above 0.88 it relaxes
// by 0.02 (floored at 0.85).
func thresholdRecommendation(current float64, feedback []store.CacheFeedback) (float64, bool) {
	if len(feedback) < 10 {
		return current, false
	}

	inaccurate := 0
	for _, fb := range feedback {
		if !fb.Accurate {
			inaccurate++
		}
	}
	rate := float64(inaccurate) / float64(len(feedback))

	switch {
	case rate > 0.10:
		rec := current + 0.03
		if rec > 0.98 {
			rec = 0.98
		}
		return rec, rec != current
	case rate < 0.02 && current > 0.88:
		rec := current - 0.02
		if rec < 0.85 {
			rec = 0.85
		}
		return rec, rec != current
	default:
		return current, false
	}
}

// ttlRecommendation uses the entry-age distribution as a stale-hit proxy:
// a cache dominated by old entries suggests the TTL outlives the data's
// usefulness; heavy expiry churn suggests the opposite.
func ttlRecommendation(current int64, stats vectorindex.AgeStats) (int64, bool) {
	if current == store.TTLInfinite || stats.TotalEntries == 0 {
		return current, false
	}

	staleShare := float64(stats.D7to30+stats.Over30d) / float64(stats.TotalEntries)
	expiredShare := float64(stats.Expired) / float64(stats.TotalEntries+stats.Expired)

	switch {
	case staleShare > 0.5:
		rec := current / 2
		if rec < minTTLSeconds {
			rec = minTTLSeconds
		}
		return rec, rec != current
	case expiredShare > 0.25:
		rec := current * 2
		if rec > maxTTLSeconds {
			rec = maxTTLSeconds
		}
		return rec, rec != current
	default:
		return current, false
	}
}

// handleRecommendations implements GET /v1/cache/recommendations.
func (g *Gateway) handleRecommendations(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	feedback, err := g.store.ListCacheFeedback(ctx, id.Project.ID, 200)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	stats, err := g.index.AgeBuckets(ctx, id.Project.ID)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	threshold, thresholdChange := thresholdRecommendation(id.Project.SemanticCacheThreshold, feedback)
	ttl, ttlChange := ttlRecommendation(id.Project.CacheTTLSeconds, stats)

	writeJSON(ctx, map[string]any{
		"threshold": map[string]any{
			"current":     id.Project.SemanticCacheThreshold,
			"recommended": threshold,
			"change":      thresholdChange,
			"samples":     len(feedback),
		},
		"ttl_seconds": map[string]any{
			"current":     id.Project.CacheTTLSeconds,
			"recommended": ttl,
			"change":      ttlChange,
		},
	})
}

// ── Provider key CRUD ────────────────────────────────────────────────────────

type saveKeyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority,omitempty"`
	IsActive *bool  `json:"is_active,omitempty"`
}

type keyView struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Name       string     `json:"name,omitempty"`
	Priority   int        `json:"priority"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// handleSaveProviderKey implements POST /v1/provider-keys. The plaintext key
// is encrypted through the vault and never stored or echoed back.
func (g *Gateway) handleSaveProviderKey(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	var in saveKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if !validProvider(in.Provider) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider must be one of %v", providers.Names),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Key == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'key' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	encrypted, iv, err := g.router.Vault().Encrypt(in.Key)
	if err != nil {
		g.log.ErrorContext(ctx, "key_encrypt_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	priority := in.Priority
	if priority <= 0 {
		priority = store.MaxActiveProviderKeys
	}

	key := &store.ProviderKey{
		ProjectID:    id.Project.ID,
		Provider:     in.Provider,
		EncryptedKey: encrypted,
		IV:           iv,
		Priority:     priority,
		IsActive:     active,
		Name:         in.Name,
	}
	if err := g.store.SaveProviderKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrTooManyKeys) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("at most %d active keys per provider", store.MaxActiveProviderKeys),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.WriteInternal(ctx)
		return
	}

	writeJSON(ctx, keyView{
		ID: key.ID, Provider: key.Provider, Name: key.Name,
		Priority: key.Priority, IsActive: key.IsActive,
	})
}

// handleListProviderKeys implements GET /v1/provider-keys. Encrypted material
// never leaves the store.
func (g *Gateway) handleListProviderKeys(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	keys, err := g.store.ListProviderKeys(ctx, id.Project.ID)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{
			ID: k.ID, Provider: k.Provider, Name: k.Name,
			Priority: k.Priority, IsActive: k.IsActive, LastUsedAt: k.LastUsedAt,
		})
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

// handleDeleteProviderKey implements DELETE /v1/provider-keys/{id}.
func (g *Gateway) handleDeleteProviderKey(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	keyID, _ := ctx.UserValue("id").(string)
	if err := g.store.DeleteProviderKey(ctx, id.Project.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "provider key not found",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "deleted"})
}

func validProvider(name string) bool {
	for _, p := range providers.Names {
		if name == p {
			return true
		}
	}
	return false
}

// ── Agent template deploy ────────────────────────────────────────────────────

// handleTemplateDeploy implements POST /v1/agent-templates/{id}/deploy.
// Template deployment is a simple write; the dashboard consumes the URL.
func (g *Gateway) handleTemplateDeploy(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}

	templateID, _ := ctx.UserValue("id").(string)

	var in struct {
		ProjectID string `json:"projectId"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &in)
	if in.ProjectID != "" && in.ProjectID != id.Project.ID {
		apierr.Write(ctx, fasthttp.StatusForbidden, "projectId does not match the gateway key",
			apierr.TypeAuthenticationErr, apierr.CodeUnauthorized)
		return
	}

	base := g.appBaseURL
	if base == "" {
		base = "https://app.watchllm.dev"
	}
	writeJSON(ctx, map[string]any{
		"deployment": map[string]string{
			"dashboardUrl": fmt.Sprintf("%s/projects/%s/templates/%s", base, id.Project.ID, templateID),
		},
	})
}

// ── Scheduled triggers ───────────────────────────────────────────────────────

// authCron guards the /internal/cron endpoints with the shared secret.
func (g *Gateway) authCron(ctx *fasthttp.RequestCtx) bool {
	if g.cronSecret == "" || string(ctx.Request.Header.Peek("X-Cron-Secret")) != g.cronSecret {
		apierr.WriteUnauthorized(ctx, "invalid cron secret")
		return false
	}
	return true
}

// handleCronSweep implements POST /internal/cron/sweep: physical removal of
// expired cache entries.
func (g *Gateway) handleCronSweep(ctx *fasthttp.RequestCtx) {
	if !g.authCron(ctx) {
		return
	}
	n, err := g.index.Sweep(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "sweep_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]int{"entries_removed": n})
}

// handleCronCostAlerts implements POST /internal/cron/cost-alerts.
//
// For each project with alerts enabled, month-to-date usage is compared to
// the plan quota. A threshold fires when usage lands within a five-point band
// above it and no alert for the (project, month, threshold) triple was sent
// before; fired alerts are recorded so the sweep is idempotent.
func (g *Gateway) handleCronCostAlerts(ctx *fasthttp.RequestCtx) {
	if !g.authCron(ctx) {
		return
	}

	now := time.Now().UTC()
	yearMonth := now.Format("200601")

	projects, err := g.store.ProjectsWithCostAlerts(ctx)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	dispatched := 0
	for _, p := range projects {
		tenant, err := g.store.TenantByID(ctx, p.TenantID)
		if err != nil {
			continue
		}
		plan := auth.PlanByName(tenant.Plan)
		usage, err := g.gate.MonthUsage(ctx, p.ID, now)
		if err != nil || plan.RequestsPerMonth == 0 {
			continue
		}
		pct := 100 * usage / plan.RequestsPerMonth

		thresholds := costAlertThresholds
		if p.CostAlertThreshold > 0 {
			thresholds = append(append([]int{}, costAlertThresholds...), p.CostAlertThreshold)
		}

		for _, threshold := range thresholds {
			if pct < threshold || pct >= threshold+5 {
				continue
			}
			sent, err := g.store.AlertSent(ctx, p.ID, yearMonth, threshold)
			if err != nil || sent {
				continue
			}

			g.log.InfoContext(ctx, "cost_alert_dispatched",
				slog.String("project_id", p.ID),
				slog.Int("threshold", threshold),
				slog.Int("usage_pct", pct),
			)
			if g.events != nil {
				e := telemetry.NewEvent(telemetry.KindCostThresholdExceeded, p.ID, "", g.env)
				e.Message = fmt.Sprintf("month-to-date usage crossed %d%% of plan quota", threshold)
				g.events.Publish(e)
			}
			if err := g.store.RecordAlertSent(ctx, p.ID, yearMonth, threshold); err == nil {
				dispatched++
			}
		}
	}

	writeJSON(ctx, map[string]int{"alerts_dispatched": dispatched})
}
