package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/watchllm/gateway/internal/providers"
)

func completionFixture(content string) *providers.ChatCompletion {
	return &providers.ChatCompletion{
		ID:      "chatcmpl-123",
		Object:  "chat.completion",
		Created: 1_700_000_000,
		Model:   "gpt-4o",
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	}
}

func TestBufferBasicStream(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"m","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		``,
		`: keep-alive`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"m","choices":[{"index":0,"delta":{"content":"Hello "},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"m","choices":[{"index":0,"delta":{"content":"world"},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","created":1700000000,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	c, err := Buffer(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if c == nil {
		t.Fatal("Buffer returned nil for a complete stream")
	}
	if c.ID != "c1" || c.Model != "m" {
		t.Errorf("id/model = %q/%q", c.ID, c.Model)
	}
	if got := c.Content(); got != "Hello world" {
		t.Errorf("content = %q, want %q", got, "Hello world")
	}
	if c.FinishReason() != "stop" {
		t.Errorf("finish_reason = %q, want stop", c.FinishReason())
	}
	if c.Usage.TotalTokens != 5 {
		t.Errorf("usage total = %d, want 5", c.Usage.TotalTokens)
	}
	if c.Choices[0].Message.Role != "assistant" {
		t.Errorf("role = %q", c.Choices[0].Message.Role)
	}
}

func TestBufferIncompleteStreamReturnsNil(t *testing.T) {
	// Stream cut off before any finish_reason: must not produce a completion.
	raw := strings.Join([]string{
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"partial"},"finish_reason":null}]}`,
		``,
	}, "\n")

	c, err := Buffer(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil completion for truncated stream, got %+v", c)
	}
}

func TestBufferEmptyContentReturnsNil(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	c, err := Buffer(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatal("finish without content must not yield a completion")
	}
}

func TestReplayRoundTrip(t *testing.T) {
	// buffer(replay(c, 0)) must reconstruct c for any terminal completion.
	contents := []string{
		"Paris.",
		strings.Repeat("x", 48),   // exactly one chunk
		strings.Repeat("y", 49),   // spills into a second chunk
		strings.Repeat("abc ", 100),
	}

	for _, content := range contents {
		want := completionFixture(content)

		var buf bytes.Buffer
		if err := Replay(context.Background(), &buf, want, 0); err != nil {
			t.Fatalf("Replay: %v", err)
		}

		got, err := Buffer(&buf)
		if err != nil {
			t.Fatalf("Buffer: %v", err)
		}
		if got == nil {
			t.Fatal("round trip lost the completion")
		}
		if got.ID != want.ID || got.Model != want.Model || got.Created != want.Created {
			t.Errorf("identity fields changed: got %s/%s/%d", got.ID, got.Model, got.Created)
		}
		if got.Content() != want.Content() {
			t.Errorf("content mismatch: got %q, want %q", got.Content(), want.Content())
		}
		if got.FinishReason() != want.FinishReason() {
			t.Errorf("finish_reason mismatch: got %q", got.FinishReason())
		}
		if got.Usage != want.Usage {
			t.Errorf("usage mismatch: got %+v, want %+v", got.Usage, want.Usage)
		}
	}
}

func TestReplayChunkSizes(t *testing.T) {
	c := completionFixture(strings.Repeat("z", 100))

	var buf bytes.Buffer
	if err := Replay(context.Background(), &buf, c, 0); err != nil {
		t.Fatal(err)
	}

	var contentChunks int
	scanner := NewScanner(&buf)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok || data == DoneSentinel {
			continue
		}
		if strings.Contains(data, `"content":`) {
			contentChunks++
		}
	}
	// 100 chars at ≤48 per chunk → 3 content chunks.
	if contentChunks != 3 {
		t.Fatalf("content chunks = %d, want 3", contentChunks)
	}
}

func TestReplayEndsWithDone(t *testing.T) {
	var buf bytes.Buffer
	if err := Replay(context.Background(), &buf, completionFixture("hi"), 0); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "data: "+DoneSentinel) {
		t.Fatalf("replay output does not end with [DONE]:\n%s", out)
	}
}

func TestReplayCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With a non-zero delay, a cancelled context must abort the replay
	// instead of sleeping through every chunk.
	var buf bytes.Buffer
	err := Replay(ctx, &buf, completionFixture(strings.Repeat("q", 500)), time.Second)
	if err == nil {
		t.Fatal("expected context error from cancelled replay")
	}
}
