package pricing

import (
	"math"
	"testing"
	"time"
)

func TestLookupExactAndPrefix(t *testing.T) {
	c := New(Seed())

	if _, ok := c.Lookup("openai", "gpt-4o"); !ok {
		t.Fatal("expected exact match for gpt-4o")
	}

	// Date-suffixed variants resolve to the family row.
	p, ok := c.Lookup("openai", "gpt-4o-2024-08-06")
	if !ok {
		t.Fatal("expected prefix match for gpt-4o-2024-08-06")
	}
	if p.Model != "gpt-4o" {
		t.Fatalf("prefix match resolved to %q, want gpt-4o", p.Model)
	}

	if _, ok := c.Lookup("openai", "no-such-model"); ok {
		t.Fatal("expected miss for unknown model")
	}
}

func TestCost(t *testing.T) {
	c := New([]Price{
		{Provider: "openai", Model: "m", InputPerM: 2.0, OutputPerM: 10.0},
		{Provider: "openai", Model: "emb", InputPerM: 0.1, Embedding: true},
	})

	got := c.Cost("openai", "m", 1_000_000, 500_000)
	want := 2.0 + 5.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Cost = %v, want %v", got, want)
	}

	// Embedding models are input-only: output tokens must not be charged.
	got = c.Cost("openai", "emb", 1_000_000, 999)
	if math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("embedding Cost = %v, want 0.1", got)
	}

	if c.Cost("openai", "unknown", 100, 100) != 0 {
		t.Fatal("unpriced model must cost 0")
	}
}

func TestStale(t *testing.T) {
	now := time.Now()
	fresh := Price{LastVerifiedAt: now.Add(-6 * 24 * time.Hour)}
	stale := Price{LastVerifiedAt: now.Add(-8 * 24 * time.Hour)}

	if fresh.Stale(now) {
		t.Error("6-day-old row must not be stale")
	}
	if !stale.Stale(now) {
		t.Error("8-day-old row must be stale")
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	c := New([]Price{{Provider: "openai", Model: "old", InputPerM: 1}})

	c.Reload([]Price{{Provider: "openai", Model: "new", InputPerM: 2}})

	if _, ok := c.Lookup("openai", "old"); ok {
		t.Error("old row survived Reload")
	}
	if _, ok := c.Lookup("openai", "new"); !ok {
		t.Error("new row missing after Reload")
	}
}
