package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/watchllm/gateway/internal/store"
)

const testSecret = "wl-test-secret-key"

func newTestGate(t *testing.T, plan string) (*Gate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewMemory()
	st.PutTenant(&store.Tenant{ID: "t1", Plan: plan})
	st.PutProject(&store.Project{
		ID:                     "p1",
		TenantID:               "t1",
		SemanticCacheThreshold: 0.85,
		CacheTTLSeconds:        3600,
	})
	st.PutGatewayKey(&store.GatewayKey{
		ID:        "gk1",
		ProjectID: "p1",
		Hash:      HashKey(testSecret),
		IsActive:  true,
	})

	return NewGate(st, rdb, nil), mr
}

func TestAuthenticateValidKey(t *testing.T) {
	g, _ := newTestGate(t, store.PlanFree)

	id, err := g.Authenticate(context.Background(), "Bearer "+testSecret)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Project.ID != "p1" {
		t.Errorf("project = %q, want p1", id.Project.ID)
	}
	if id.Plan.RequestsPerMinute != 10 {
		t.Errorf("free plan rpm = %d, want 10", id.Plan.RequestsPerMinute)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	g, _ := newTestGate(t, store.PlanFree)
	ctx := context.Background()

	cases := []struct {
		name   string
		bearer string
	}{
		{"empty header", ""},
		{"not bearer", "Basic abc"},
		{"unknown key", "Bearer wl-unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Authenticate(ctx, tc.bearer); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestAuthenticateInactiveKey(t *testing.T) {
	g, _ := newTestGate(t, store.PlanFree)

	st := g.store.(*store.Memory)
	st.PutGatewayKey(&store.GatewayKey{
		ID:        "gk2",
		ProjectID: "p1",
		Hash:      HashKey("wl-revoked"),
		IsActive:  false,
	})

	if _, err := g.Authenticate(context.Background(), "Bearer wl-revoked"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inactive key must be unauthorized, got %v", err)
	}
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	g, _ := newTestGate(t, store.PlanFree) // 10 rpm
	ctx := context.Background()

	id, err := g.Authenticate(ctx, "Bearer "+testSecret)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := g.CheckLimits(ctx, id); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i+1, err)
		}
	}

	err = g.CheckLimits(ctx, id)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("11th request: expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter < 1 || rl.RetryAfter > 60 {
		t.Errorf("RetryAfter = %d, want within [1, 60]", rl.RetryAfter)
	}
	if id.Rate.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", id.Rate.Remaining)
	}
}

func TestRateHeadersCountDown(t *testing.T) {
	g, _ := newTestGate(t, store.PlanFree)
	ctx := context.Background()

	id, _ := g.Authenticate(ctx, "Bearer "+testSecret)

	for i := 1; i <= 3; i++ {
		if err := g.CheckLimits(ctx, id); err != nil {
			t.Fatal(err)
		}
		if want := 10 - i; id.Rate.Remaining != want {
			t.Fatalf("after %d requests Remaining = %d, want %d", i, id.Rate.Remaining, want)
		}
	}

	until := id.Rate.ResetAt - time.Now().Unix()
	if until < 0 || until > 60 {
		t.Errorf("rate ResetAt %d seconds away, want within [0, 60]", until)
	}
}

func TestQuotaExceeded(t *testing.T) {
	g, mr := newTestGate(t, store.PlanFree) // 1000 per month
	ctx := context.Background()

	id, _ := g.Authenticate(ctx, "Bearer "+testSecret)

	// Pre-load the quota counter to the plan ceiling.
	mr.Set(quotaKey("p1", time.Now()), "1000")

	err := g.CheckLimits(ctx, id)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Limit != 1000 {
		t.Errorf("Limit = %d, want 1000", qe.Limit)
	}
	if qe.ResetAt <= time.Now().Unix() {
		t.Error("quota ResetAt must be in the future")
	}
}

func TestLimitsFailOpenWithoutRedis(t *testing.T) {
	g, mr := newTestGate(t, store.PlanFree)
	ctx := context.Background()

	id, _ := g.Authenticate(ctx, "Bearer "+testSecret)

	mr.Close() // Redis goes away — requests must still pass.

	for i := 0; i < 20; i++ {
		if err := g.CheckLimits(ctx, id); err != nil {
			t.Fatalf("expected graceful degradation, got %v", err)
		}
	}
}

func TestMonthUsage(t *testing.T) {
	g, mr := newTestGate(t, store.PlanStarter)
	ctx := context.Background()
	now := time.Now()

	if n, err := g.MonthUsage(ctx, "p1", now); err != nil || n != 0 {
		t.Fatalf("fresh project usage = %d, %v", n, err)
	}

	mr.Set(quotaKey("p1", now), "42")

	n, err := g.MonthUsage(ctx, "p1", now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("usage = %d, want 42", n)
	}
}

func TestPlanTable(t *testing.T) {
	cases := []struct {
		plan    string
		rpm     int
		rpMonth int
	}{
		{store.PlanFree, 10, 1_000},
		{store.PlanStarter, 60, 50_000},
		{store.PlanPro, 300, 500_000},
		{"bogus", 10, 1_000}, // unknown plans fail closed to free
	}
	for _, tc := range cases {
		p := PlanByName(tc.plan)
		if p.RequestsPerMinute != tc.rpm || p.RequestsPerMonth != tc.rpMonth {
			t.Errorf("PlanByName(%q) = %+v", tc.plan, p)
		}
	}
}
