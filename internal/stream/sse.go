// Package stream bridges SSE streams and canonical completions: it buffers an
// upstream chat.completion.chunk stream into a ChatCompletion, and replays a
// ChatCompletion back to a client as a synthetic SSE stream.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/watchllm/gateway/internal/providers"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// DoneSentinel is the terminating data payload of an OpenAI-style SSE stream.
const DoneSentinel = "[DONE]"

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each call to Scan() returns a single line without the
// trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its field and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> field="event", value=type, ok=true
//	"data: <payload>" -> field="data",  value=payload, ok=true
//	": keep-alive"    -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseSSELine(line string) (field, value string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, val, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	val = strings.TrimPrefix(val, " ")

	switch key {
	case "event", "data":
		return key, val, true
	default:
		return "", "", false
	}
}

// chunkChoice / chunkEvent mirror the chat.completion.chunk wire schema.
type (
	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason any        `json:"finish_reason"`
	}
	chunkEvent struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []chunkChoice    `json:"choices"`
		Usage   *providers.Usage `json:"usage,omitempty"`
	}
)

// buildChunk serializes one chat.completion.chunk event.
func buildChunk(id, model string, created int64, delta chunkDelta, finishReason string, usage *providers.Usage) []byte {
	ev := chunkEvent{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: nilOrString(finishReason),
		}},
		Usage: usage,
	}
	b, _ := json.Marshal(ev)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// WriteChunk serializes one live provider delta as a chat.completion.chunk
// SSE event. Used by the orchestrator's tee while proxying a streaming miss.
func WriteChunk(w io.Writer, c providers.StreamChunk, created int64) error {
	payload := buildChunk(c.ID, c.Model, created, chunkDelta{Role: c.Role, Content: c.Content}, c.FinishReason, c.Usage)
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

// WriteDone writes the terminating [DONE] sentinel.
func WriteDone(w io.Writer) error {
	_, err := w.Write([]byte("data: " + DoneSentinel + "\n\n"))
	return err
}
