package proxy

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/cache"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/stream"
	"github.com/watchllm/gateway/internal/telemetry"
)

// setSSEHeaders prepares the response for a text/event-stream body.
func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// streamReplay serves a streaming cache hit: the stored completion is
// replayed as a synthetic SSE stream with the configured inter-chunk delay.
func (g *Gateway) streamReplay(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, res *cache.Result, providerName, route string, start time.Time) {
	setSSEHeaders(ctx)

	completion := res.Completion
	similarity := res.Similarity
	cacheStatus := res.Status

	// Followers of a coalesced miss replay too; only real hits count as cached.
	cached := cacheStatus != cache.StatusMiss

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer g.finalizeStream(route, start)

		if err := stream.Replay(g.baseCtx, w, completion, g.replayDelay); err != nil {
			g.log.Debug("replay_aborted",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
			return
		}

		g.emitPromptCall(id, req, providerName, "", completion,
			telemetry.StatusSuccess, "", time.Since(start), cached, similarity, 0)
		if g.metrics != nil {
			g.metrics.ObserveRequest(providerName, route, cacheStatus, time.Since(start))
			g.metrics.AddTokens(providerName, cacheStatus,
				completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
		}
	})
}

// streamMiss serves a streaming cache miss. The first request for a
// (project, fingerprint) becomes the leader: it streams live upstream bytes
// to its client while a parallel accumulator rebuilds the canonical
// completion for the cache. Concurrent requests join the leader's flight and
// receive a replay of the finished completion — one upstream call total.
func (g *Gateway) streamMiss(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, fp, providerName, route string, start time.Time) {
	key := flightKey(id.Project.ID, fp)

	f, leader := g.flights.begin(key)
	if !leader {
		// Follower: wait for the leader's canonical completion, then replay.
		if completion, ok := f.waitResolved(); ok && completion != nil {
			if g.metrics != nil {
				g.metrics.RecordCoalescedFollower()
			}
			g.streamReplay(ctx, id, req,
				&cache.Result{Status: cache.StatusMiss, Completion: completion}, providerName, route, start)
			return
		}
		// Leader failed or timed out — fall through as an uncoalesced leader.
		f = nil
	}

	// The upstream stream lives on the server's base context: a client
	// disconnect stops the tee's writes but never the buffer-up.
	streamCtx, cancelStream := context.WithTimeout(g.baseCtx, providers.StreamTotalTimeout)

	result, keyID, err := g.router.Dispatch(streamCtx, req, providerName)
	if err != nil {
		cancelStream()
		g.flights.finish(key, f, nil)
		g.writeUpstreamError(ctx, req.RequestID, providerName, err)
		g.emitPromptCall(id, req, providerName, "",
			nil, statusFor(err), errorCodeFor(err), time.Since(start), false, 0, 0)
		g.finalizeStream(route, start)
		return
	}

	setSSEHeaders(ctx)
	chunks := result.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer g.finalizeStream(route, start)
		defer cancelStream()

		completion := g.teeStream(w, req, chunks)

		// Cache insert and flight resolution run after the client has its
		// bytes; a nil completion (truncated or errored stream) caches
		// nothing and sends followers back upstream.
		if completion != nil {
			cost := g.catalog.Cost(providerName, completion.Model,
				completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
			insertCtx, cancelInsert := context.WithTimeout(g.baseCtx, 5*time.Second)
			g.engine.Insert(insertCtx, id.Project, req, fp, completion, providerName, cost)
			cancelInsert()
			g.flights.finish(key, f, completion)

			g.emitPromptCall(id, req, providerName, keyID, completion,
				telemetry.StatusSuccess, "", time.Since(start), false, 0, cost)
			if g.metrics != nil {
				g.metrics.RecordUpstreamAttempt(providerName, "success")
				g.metrics.AddCost(providerName, cost)
				g.metrics.ObserveRequest(providerName, route, cache.StatusMiss, time.Since(start))
				g.metrics.AddTokens(providerName, cache.StatusMiss,
					completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
			}
		} else {
			g.flights.finish(key, f, nil)
			g.emitPromptCall(id, req, providerName, keyID,
				nil, telemetry.StatusError, "", time.Since(start), false, 0, 0)
			if g.metrics != nil {
				g.metrics.RecordUpstreamAttempt(providerName, "incomplete_stream")
			}
		}
	})
}

// streamUpstream serves a cache-bypassed streaming request: live tee, no
// coalescing, no insert.
func (g *Gateway) streamUpstream(ctx *fasthttp.RequestCtx, id *auth.Identity, req *providers.ChatRequest, providerName, keyID, route string, start time.Time) {
	streamCtx, cancelStream := context.WithTimeout(g.baseCtx, providers.StreamTotalTimeout)

	result, winner, err := g.router.Dispatch(streamCtx, req, providerName)
	if err != nil {
		cancelStream()
		g.writeUpstreamError(ctx, req.RequestID, providerName, err)
		g.emitPromptCall(id, req, providerName, "",
			nil, statusFor(err), errorCodeFor(err), time.Since(start), false, 0, 0)
		g.finalizeStream(route, start)
		return
	}
	keyID = winner

	setSSEHeaders(ctx)
	chunks := result.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer g.finalizeStream(route, start)
		defer cancelStream()

		completion := g.teeStream(w, req, chunks)

		status := telemetry.StatusSuccess
		if completion == nil {
			status = telemetry.StatusError
		}
		g.emitPromptCall(id, req, providerName, keyID, completion,
			status, "", time.Since(start), false, 0, costOf(g, providerName, completion))
	})
}

// teeStream forwards provider chunks to the client as SSE while feeding the
// accumulator, and returns the canonical completion (nil when the stream
// never reached a terminal finish).
//
// A client disconnect stops the writes but NOT the drain: the upstream bytes
// keep flowing into the accumulator so the next request reaps the cache
// benefit. Chunk gaps longer than the idle timeout abandon the stream.
func (g *Gateway) teeStream(w *bufio.Writer, req *providers.ChatRequest, chunks <-chan providers.StreamChunk) *providers.ChatCompletion {
	acc := stream.NewAccumulator()
	created := time.Now().Unix()
	clientGone := false

	idle := time.NewTimer(providers.StreamIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if !clientGone {
					_ = stream.WriteDone(w)
					_ = w.Flush()
				}
				acc.Done()
				return acc.Completion()
			}
			if chunk.Err != nil {
				g.log.Warn("stream_error",
					slog.String("request_id", req.RequestID),
					slog.String("error", chunk.Err.Error()),
				)
				// Partial streams are never cached and never get a [DONE].
				return nil
			}

			acc.Add(chunk)
			if !clientGone {
				if err := stream.WriteChunk(w, chunk, created); err != nil {
					clientGone = true
				} else if err := w.Flush(); err != nil {
					clientGone = true
				}
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(providers.StreamIdleTimeout)

		case <-idle.C:
			g.log.Warn("stream_idle_timeout", slog.String("request_id", req.RequestID))
			return nil
		}
	}
}

// finalizeStream records the HTTP metrics a streaming handler skipped.
func (g *Gateway) finalizeStream(route string, start time.Time) {
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
	}
}

func costOf(g *Gateway, providerName string, c *providers.ChatCompletion) float64 {
	if c == nil {
		return 0
	}
	return g.catalog.Cost(providerName, c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
}
