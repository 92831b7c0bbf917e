package stream

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/watchllm/gateway/internal/providers"
)

// Accumulator folds a sequence of stream deltas into a canonical completion.
// Feed it from the provider adapter's chunk channel (the orchestrator's tee)
// or from raw SSE bytes via Buffer.
type Accumulator struct {
	id           string
	model        string
	created      int64
	role         string
	content      strings.Builder
	finishReason string
	usage        *providers.Usage
	sawDone      bool
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one delta into the accumulator.
func (a *Accumulator) Add(c providers.StreamChunk) {
	if a.id == "" && c.ID != "" {
		a.id = c.ID
	}
	if a.model == "" && c.Model != "" {
		a.model = c.Model
	}
	if a.role == "" && c.Role != "" {
		a.role = c.Role
	}
	a.content.WriteString(c.Content)
	if c.FinishReason != "" {
		a.finishReason = c.FinishReason
	}
	if c.Usage != nil {
		a.usage = c.Usage
	}
}

// Done records the [DONE] sentinel.
func (a *Accumulator) Done() { a.sawDone = true }

// Completion returns the canonical completion, or nil when the stream never
// reached a terminal finish or produced no content — incomplete streams must
// not be cached or replayed.
func (a *Accumulator) Completion() *providers.ChatCompletion {
	content := a.content.String()
	if content == "" || !providers.TerminalFinish(a.finishReason) {
		return nil
	}

	role := a.role
	if role == "" {
		role = "assistant"
	}
	created := a.created
	if created == 0 {
		created = time.Now().Unix()
	}

	c := &providers.ChatCompletion{
		ID:      a.id,
		Object:  "chat.completion",
		Created: created,
		Model:   a.model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: role, Content: content},
			FinishReason: a.finishReason,
		}},
	}
	if a.usage != nil {
		c.Usage = *a.usage
	}
	return c
}

// Buffer reads an SSE stream of chat.completion.chunk events from r until
// the [DONE] sentinel or EOF, and reconstructs the canonical completion.
// Keep-alive comments and malformed lines are skipped. Returns nil when the
// stream is incomplete.
func Buffer(r io.Reader) (*providers.ChatCompletion, error) {
	acc := NewAccumulator()

	scanner := NewScanner(r)
	for scanner.Scan() {
		field, data, ok := ParseSSELine(scanner.Text())
		if !ok || field != "data" {
			continue
		}
		if data == DoneSentinel {
			acc.Done()
			break
		}

		var ev chunkEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // tolerate foreign event shapes between chunks
		}

		chunk := providers.StreamChunk{ID: ev.ID, Model: ev.Model, Usage: ev.Usage}
		if acc.created == 0 && ev.Created != 0 {
			acc.created = ev.Created
		}
		if len(ev.Choices) > 0 {
			c := ev.Choices[0]
			chunk.Role = c.Delta.Role
			chunk.Content = c.Delta.Content
			if s, ok := c.FinishReason.(string); ok {
				chunk.FinishReason = s
			}
		}
		acc.Add(chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return acc.Completion(), nil
}
