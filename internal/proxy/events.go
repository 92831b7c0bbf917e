package proxy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/pkg/apierr"
)

// ingestBatchLimit caps one ingestion call; SDKs batch client-side.
const ingestBatchLimit = 100

// validEventKinds are the kinds SDKs may submit directly. prompt_call is
// gateway-internal — the proxy emits it itself.
var validEventKinds = map[string]struct{}{
	telemetry.KindAgentStep:             {},
	telemetry.KindError:                 {},
	telemetry.KindAssertionFailed:       {},
	telemetry.KindHallucinationDetected: {},
	telemetry.KindCostThresholdExceeded: {},
}

type inboundEvent struct {
	EventID   string               `json:"eventId,omitempty"`
	RunID     string               `json:"runId,omitempty"`
	Timestamp string               `json:"timestamp,omitempty"`
	Env       string               `json:"env,omitempty"`
	Tags      []string             `json:"tags,omitempty"`
	Client    telemetry.ClientInfo `json:"client"`
	Kind      string               `json:"kind"`
	Model     string               `json:"model,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// handleIngestEvents implements POST /v1/events — the agent-debug telemetry
// ingestion path used by SDKs. Events are stamped, redacted, and enqueued;
// the response only confirms acceptance into the queue (at-least-once from
// the SDK's perspective, deduplicated downstream on eventId).
func (g *Gateway) handleIngestEvents(ctx *fasthttp.RequestCtx) {
	id := g.authAdmin(ctx)
	if id == nil {
		return
	}
	if g.events == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"telemetry pipeline is not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	var in struct {
		Events []inboundEvent `json:"events"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(in.Events) == 0 || len(in.Events) > ingestBatchLimit {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"events must contain between 1 and 100 entries",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	accepted := 0
	for _, raw := range in.Events {
		if _, ok := validEventKinds[raw.Kind]; !ok {
			continue
		}

		e := telemetry.NewEvent(raw.Kind, id.Project.ID, raw.RunID, g.env)
		if raw.EventID != "" {
			if _, err := uuid.Parse(raw.EventID); err == nil {
				e.EventID = raw.EventID
			}
		}
		if raw.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
				e.Timestamp = t.UTC()
			}
		}
		if raw.Env == "production" || raw.Env == "staging" || raw.Env == "development" {
			e.Env = raw.Env
		}
		e.Tags = raw.Tags
		e.Client = raw.Client
		e.Model = raw.Model
		e.Message = raw.Message

		g.events.Publish(e)
		accepted++
	}

	writeJSON(ctx, map[string]int{
		"accepted": accepted,
		"rejected": len(in.Events) - accepted,
	})
}
