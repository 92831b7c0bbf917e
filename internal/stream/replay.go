package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/watchllm/gateway/internal/providers"
)

// replayChunkSize caps the content carried by each synthetic delta so a
// replayed hit looks like a token stream rather than one giant chunk.
const replayChunkSize = 48

// flusher is the subset of bufio.Writer the replayer needs to push bytes to
// the client between chunks.
type flusher interface {
	Flush() error
}

// Replay writes completion back to w as a synthetic SSE stream: an initial
// chunk carrying the role, the content split into ≤48-character deltas, a
// final chunk carrying the original finish_reason (and usage), then the
// [DONE] sentinel. Between chunks it sleeps for delay so clients observe a
// streaming shape; pass 0 to replay at full speed.
func Replay(ctx context.Context, w io.Writer, completion *providers.ChatCompletion, delay time.Duration) error {
	if completion == nil || len(completion.Choices) == 0 {
		return fmt.Errorf("stream: nothing to replay")
	}

	choice := completion.Choices[0]
	id, model, created := completion.ID, completion.Model, completion.Created

	write := func(payload []byte) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		return nil
	}

	pause := func() error {
		if delay <= 0 {
			return nil
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Initial chunk: role only.
	role := choice.Message.Role
	if role == "" {
		role = "assistant"
	}
	if err := write(buildChunk(id, model, created, chunkDelta{Role: role}, "", nil)); err != nil {
		return err
	}

	// Content split into fixed-size deltas.
	content := choice.Message.Content
	for start := 0; start < len(content); start += replayChunkSize {
		if err := pause(); err != nil {
			return err
		}
		end := start + replayChunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := write(buildChunk(id, model, created, chunkDelta{Content: content[start:end]}, "", nil)); err != nil {
			return err
		}
	}

	// Final chunk: finish_reason plus the original usage block.
	if err := pause(); err != nil {
		return err
	}
	var usage *providers.Usage
	if completion.Usage.TotalTokens > 0 {
		u := completion.Usage
		usage = &u
	}
	if err := write(buildChunk(id, model, created, chunkDelta{}, choice.FinishReason, usage)); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
