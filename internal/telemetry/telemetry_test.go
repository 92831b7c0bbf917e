package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// collectSink records every batch it receives.
type collectSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (s *collectSink) WriteBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	cp := make([]Event, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *collectSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestRedactString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "contact alice@example.com now", "contact [REDACTED] now"},
		{"ssn", "ssn is 123-45-6789 ok", "ssn is [REDACTED] ok"},
		{"card plain", "card 4111111111111111 used", "card [REDACTED] used"},
		{"card dashed", "card 4111-1111-1111-1111 used", "card [REDACTED] used"},
		{"clean", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RedactString(tc.in); got != tc.want {
				t.Fatalf("RedactString(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPublishRedactsEvent(t *testing.T) {
	sink := &collectSink{}
	p := NewPipeline(context.Background(), sink, nil)

	e := NewEvent(KindPromptCall, "p1", "run-1", "production")
	e.ResponseSummary = "reach me at bob@corp.io"
	e.Tags = []string{"user:carol@corp.io", "clean-tag"}
	p.Publish(e)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if sink.total() != 1 {
		t.Fatalf("sink received %d events, want 1", sink.total())
	}
	got := sink.batches[0][0]
	if strings.Contains(got.ResponseSummary, "@") {
		t.Errorf("summary not redacted: %q", got.ResponseSummary)
	}
	if strings.Contains(got.Tags[0], "@") {
		t.Errorf("tag not redacted: %q", got.Tags[0])
	}
	if got.Tags[1] != "clean-tag" {
		t.Errorf("clean tag mangled: %q", got.Tags[1])
	}
}

func TestPipelineFlushesFullBatches(t *testing.T) {
	sink := &collectSink{}
	p := NewPipeline(context.Background(), sink, nil)

	const n = batchSize + 25
	for i := 0; i < n; i++ {
		p.Publish(NewEvent(KindPromptCall, "p1", "", "production"))
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if sink.total() != n {
		t.Fatalf("sink received %d events, want %d", sink.total(), n)
	}
	// The first flush must have been a full batch.
	if len(sink.batches[0]) != batchSize {
		t.Errorf("first batch size = %d, want %d", len(sink.batches[0]), batchSize)
	}
}

func TestPipelineDropsOnSinkFailure(t *testing.T) {
	sink := &collectSink{fail: true}
	p := NewPipeline(context.Background(), sink, nil)

	for i := 0; i < 10; i++ {
		p.Publish(NewEvent(KindPromptCall, "p1", "", "production"))
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// At-most-once after enqueue: failed batches are dropped and counted.
	if p.DroppedEvents() != 10 {
		t.Fatalf("DroppedEvents = %d, want 10", p.DroppedEvents())
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// A sink that never returns simulates a stalled ClickHouse connection.
	blocked := make(chan struct{})
	sink := &blockingSink{release: blocked}
	p := NewPipeline(context.Background(), sink, nil)
	defer func() {
		close(blocked)
		_ = p.Close()
	}()

	// The stalled consumer holds one full batch, so the queue overflows only
	// past queueCapacity+batchSize events.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueCapacity+batchSize+500; i++ {
			p.Publish(NewEvent(KindPromptCall, "p1", "", "production"))
		}
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Publish blocked with a full queue")
	}

	if p.DroppedEvents() == 0 {
		t.Error("overflow must increment the dropped-events counter")
	}
}

type blockingSink struct{ release chan struct{} }

func (s *blockingSink) WriteBatch(ctx context.Context, _ []Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestNewEventStampsBaseFields(t *testing.T) {
	e := NewEvent(KindError, "p1", "run-9", "staging")
	if e.EventID == "" {
		t.Error("EventID missing")
	}
	if e.Kind != KindError || e.ProjectID != "p1" || e.RunID != "run-9" || e.Env != "staging" {
		t.Errorf("base fields wrong: %+v", e)
	}
	if time.Since(e.Timestamp) > time.Minute {
		t.Error("timestamp not stamped")
	}
}
