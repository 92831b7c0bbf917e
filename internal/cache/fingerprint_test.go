package cache

import (
	"testing"

	"github.com/watchllm/gateway/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Endpoint:    "/v1/chat/completions",
		Model:       "gpt-4o",
		Messages:    []providers.Message{{Role: "user", Content: "Hello"}},
		Temperature: 0.7,
		TopP:        1,
		MaxTokens:   256,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(baseRequest())
	b := Fingerprint(baseRequest())
	if a != b {
		t.Fatalf("identical requests produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
	for _, c := range a {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("fingerprint contains non-lowercase-hex char %q", c)
		}
	}
}

func TestFingerprintNormalization(t *testing.T) {
	// Whitespace at message boundaries and role casing are normalized away.
	messy := baseRequest()
	messy.Messages = []providers.Message{{Role: "  USER ", Content: "  Hello\n"}}

	if Fingerprint(baseRequest()) != Fingerprint(messy) {
		t.Fatal("normalization-equivalent requests must share a fingerprint")
	}
}

func TestFingerprintIgnoresServerFields(t *testing.T) {
	a := baseRequest()

	b := baseRequest()
	b.Stream = true
	b.ProjectID = "other-project"
	b.RequestID = "req-999"
	b.APIKey = "sk-different"

	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("server-controlled fields leaked into the fingerprint")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(baseRequest())

	mutations := []func(*providers.ChatRequest){
		func(r *providers.ChatRequest) { r.Model = "gpt-4o-mini" },
		func(r *providers.ChatRequest) { r.Messages[0].Content = "Hello!" },
		func(r *providers.ChatRequest) { r.Messages[0].Role = "system" },
		func(r *providers.ChatRequest) { r.Temperature = 0.71 },
		func(r *providers.ChatRequest) { r.TopP = 0.9 },
		func(r *providers.ChatRequest) { r.MaxTokens = 257 },
		func(r *providers.ChatRequest) { r.Endpoint = "/v1/completions" },
		func(r *providers.ChatRequest) { seed := 7; r.Seed = &seed },
		func(r *providers.ChatRequest) { r.Tools = []byte(`[{"type":"function"}]`) },
	}

	for i, mutate := range mutations {
		r := baseRequest()
		mutate(r)
		if Fingerprint(r) == base {
			t.Errorf("mutation %d did not change the fingerprint", i)
		}
	}
}

func TestPromptText(t *testing.T) {
	got := PromptText([]providers.Message{
		{Role: "System", Content: " You are terse. "},
		{Role: "user", Content: "Hi"},
	})
	want := "system: You are terse.\nuser: Hi"
	if got != want {
		t.Fatalf("PromptText = %q, want %q", got, want)
	}
}
