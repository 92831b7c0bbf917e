package proxy

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/pkg/apierr"
)

// requireAnalytics gates the read APIs on a configured analytics store.
func (g *Gateway) requireAnalytics(ctx *fasthttp.RequestCtx) bool {
	if g.analytics == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store is not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return false
	}
	return true
}

// handleStats implements GET /v1/stats?from=RFC3339&to=RFC3339.
// The range defaults to the trailing 30 days.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil || !g.requireAnalytics(ctx) {
		return
	}

	to := time.Now()
	from := to.Add(-30 * 24 * time.Hour)
	if raw := string(ctx.QueryArgs().Peek("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "from must be RFC 3339",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		from = t
	}
	if raw := string(ctx.QueryArgs().Peek("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "to must be RFC 3339",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		to = t
	}

	stats, err := g.analytics.Stats(ctx, id.Project.ID, from, to)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, stats)
}

// handleTimeSeries implements GET /v1/timeseries?period=24h&metric=requests.
func (g *Gateway) handleTimeSeries(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil || !g.requireAnalytics(ctx) {
		return
	}

	period := string(ctx.QueryArgs().Peek("period"))
	if period == "" {
		period = "24h"
	}
	metric := string(ctx.QueryArgs().Peek("metric"))
	if metric == "" {
		metric = "requests"
	}

	points, err := g.analytics.TimeSeries(ctx, id.Project.ID, period, metric)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, map[string]any{"period": period, "metric": metric, "points": points})
}

// handleLogs implements GET /v1/logs with status/model/run_id filters and
// limit/offset pagination.
func (g *Gateway) handleLogs(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil || !g.requireAnalytics(ctx) {
		return
	}

	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	offset, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("offset")))

	entries, err := g.analytics.Logs(ctx, id.Project.ID, telemetry.LogFilter{
		Status: string(ctx.QueryArgs().Peek("status")),
		Model:  string(ctx.QueryArgs().Peek("model")),
		RunID:  string(ctx.QueryArgs().Peek("run_id")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]any{"logs": entries})
}
