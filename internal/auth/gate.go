package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchllm/gateway/internal/store"
)

const (
	counterTimeout = 500 * time.Millisecond

	// Rate buckets live two minutes past their window end so slow readers
	// still see the final count; quota counters live out the month plus a
	// safety margin.
	rateBucketTTL   = 3 * time.Minute
	quotaCounterTTL = 40 * 24 * time.Hour
)

var (
	// ErrUnauthorized is returned for missing, unknown, or inactive keys.
	ErrUnauthorized = errors.New("auth: invalid gateway key")
)

// RateLimitedError reports a per-minute limit rejection.
type RateLimitedError struct {
	Limit      int
	RetryAfter int   // seconds, within (0, 60]
	ResetAt    int64 // unix seconds of window end
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limit %d rpm exceeded, retry in %ds", e.Limit, e.RetryAfter)
}

// QuotaExceededError reports a monthly quota rejection.
type QuotaExceededError struct {
	Limit   int
	ResetAt int64 // unix seconds of next month rollover
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("auth: monthly quota %d exceeded", e.Limit)
}

// LimitState is the header payload for one limit dimension.
type LimitState struct {
	Limit     int
	Remaining int
	ResetAt   int64
}

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	GatewayKey *store.GatewayKey
	Project    *store.Project
	Plan       Plan

	// Populated by CheckLimits for the response headers.
	Rate  LimitState
	Quota LimitState
}

// Gate resolves gateway keys and enforces rate and quota limits on Redis
// counters. Counter updates are atomic (INCR); when Redis is unreachable the
// gate fails open so a cache outage never takes the proxy down with it.
type Gate struct {
	store store.Store
	rdb   *redis.Client
	log   *slog.Logger
}

// NewGate creates a Gate. rdb may be nil — limits are then not enforced
// (single-instance dev mode).
func NewGate(st store.Store, rdb *redis.Client, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{store: st, rdb: rdb, log: log}
}

// HashKey returns the lowercase-hex SHA-256 of a gateway key secret —
// the only form the store ever sees.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate resolves the bearer token to an Identity.
// Returns ErrUnauthorized when the key is missing, unknown, or inactive.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	token := ParseBearer(bearer)
	if token == "" {
		return nil, ErrUnauthorized
	}

	key, err := g.store.GatewayKeyByHash(ctx, HashKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: key lookup: %w", err)
	}
	if !key.IsActive {
		return nil, ErrUnauthorized
	}

	project, err := g.store.ProjectByID(ctx, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("auth: project lookup: %w", err)
	}
	tenant, err := g.store.TenantByID(ctx, project.TenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: tenant lookup: %w", err)
	}

	// last_used_at is advisory; it never delays the request.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.store.TouchGatewayKey(touchCtx, key.ID)
	}()

	return &Identity{
		GatewayKey: key,
		Project:    project,
		Plan:       PlanByName(tenant.Plan),
	}, nil
}

// CheckLimits enforces the per-minute rate limit and monthly quota, in that
// order, and fills in the identity's header state. One quota unit is reserved
// on success; failed requests later in the pipeline stay charged.
func (g *Gate) CheckLimits(ctx context.Context, id *Identity) error {
	now := time.Now()

	if err := g.checkRate(ctx, id, now); err != nil {
		return err
	}
	return g.checkQuota(ctx, id, now)
}

// checkRate does an atomic increment-then-compare on the fixed-window bucket
// RateBucket(gatewayKeyID, floor(now/60s)).
func (g *Gate) checkRate(ctx context.Context, id *Identity, now time.Time) error {
	limit := id.Plan.RequestsPerMinute
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	id.Rate = LimitState{Limit: limit, Remaining: limit, ResetAt: windowEnd.Unix()}

	if g.rdb == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()

	bucket := fmt.Sprintf("rl:%s:%d", id.GatewayKey.ID, now.Unix()/60)

	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, rateBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Redis unavailable — allow the request (graceful degradation).
		g.log.WarnContext(ctx, "rate_bucket_error", slog.String("error", err.Error()))
		return nil
	}

	used := int(incr.Val())
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	id.Rate.Remaining = remaining

	if used > limit {
		retryAfter := 60 - int(now.Unix()%60)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitedError{Limit: limit, RetryAfter: retryAfter, ResetAt: windowEnd.Unix()}
	}
	return nil
}

// checkQuota reserves one unit of the monthly quota
// QuotaCounter(projectID, yyyymm).
func (g *Gate) checkQuota(ctx context.Context, id *Identity, now time.Time) error {
	limit := id.Plan.RequestsPerMonth
	resetAt := monthRollover(now).Unix()
	id.Quota = LimitState{Limit: limit, Remaining: limit, ResetAt: resetAt}

	if g.rdb == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()

	counter := quotaKey(id.Project.ID, now)

	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, quotaCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		g.log.WarnContext(ctx, "quota_counter_error", slog.String("error", err.Error()))
		return nil
	}

	used := int(incr.Val())
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	id.Quota.Remaining = remaining

	if used > limit {
		return &QuotaExceededError{Limit: limit, ResetAt: resetAt}
	}
	return nil
}

// MonthUsage reads the project's month-to-date request count, for the
// cost-alert sweep.
func (g *Gate) MonthUsage(ctx context.Context, projectID string, now time.Time) (int, error) {
	if g.rdb == nil {
		return 0, nil
	}
	n, err := g.rdb.Get(ctx, quotaKey(projectID, now)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("auth: month usage: %w", err)
	}
	return n, nil
}

func quotaKey(projectID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", projectID, now.UTC().Format("200601"))
}

// monthRollover returns the first instant of the next month (UTC).
func monthRollover(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
