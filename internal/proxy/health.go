package proxy

import (
	"github.com/valyala/fasthttp"
)

// handleHealth implements GET /health — liveness only.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness implements GET /readiness. Every registered probe (store,
// Redis, analytics) must pass; failures list the unhealthy dependencies so a
// rollout can tell which backend is the problem.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	var failing []string
	for name, probe := range g.readyProbes {
		if !probe() {
			failing = append(failing, name)
		}
	}

	if len(failing) == 0 {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]any{"status": "unavailable", "failing": failing})
}
