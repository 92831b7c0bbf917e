// Package auth authenticates gateway keys and enforces the per-minute rate
// limit and monthly quota attached to the project's plan.
package auth

import "github.com/watchllm/gateway/internal/store"

// Plan bundles the request limits of a billing tier.
type Plan struct {
	Name              string
	RequestsPerMinute int
	RequestsPerMonth  int
}

// planTable is the static plan → limits mapping, loaded once at startup.
var planTable = map[string]Plan{
	store.PlanFree:    {Name: store.PlanFree, RequestsPerMinute: 10, RequestsPerMonth: 1_000},
	store.PlanStarter: {Name: store.PlanStarter, RequestsPerMinute: 60, RequestsPerMonth: 50_000},
	store.PlanPro:     {Name: store.PlanPro, RequestsPerMinute: 300, RequestsPerMonth: 500_000},
}

// PlanByName resolves a plan name; unknown names fall back to free so a
// corrupted tenant row fails closed rather than unlimited.
func PlanByName(name string) Plan {
	if p, ok := planTable[name]; ok {
		return p
	}
	return planTable[store.PlanFree]
}
