// Package cache implements the semantic response cache: request
// fingerprinting, the exact → semantic → miss lookup ladder, TTL resolution,
// and single-flight coalescing of concurrent misses.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/watchllm/gateway/internal/providers"
)

// Fingerprint returns the deterministic cache key for a normalized request:
// lowercase-hex SHA-256 over the canonical JSON (sorted keys, UTF-8) of the
// retained fields. Server-controlled fields (stream, request/trace IDs, the
// caller's key) are never part of the hash, so the same logical request
// always lands on the same entry.
func Fingerprint(req *providers.ChatRequest) string {
	canonical := map[string]any{
		"endpoint":    req.Endpoint,
		"model":       req.Model,
		"messages":    normalizeMessages(req.Messages),
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"max_tokens":  req.MaxTokens,
	}
	if len(req.ResponseFormat) > 0 {
		canonical["response_format"] = json.RawMessage(req.ResponseFormat)
	}
	if len(req.Tools) > 0 {
		canonical["tools"] = json.RawMessage(req.Tools)
	}
	if req.Seed != nil {
		canonical["seed"] = *req.Seed
	}

	// encoding/json writes map keys in sorted order, which is exactly the
	// canonical-JSON property the hash depends on.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeMessages trims whitespace at message boundaries and lowercases
// role names.
func normalizeMessages(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.TrimSpace(m.Content),
		}
	}
	return out
}

// PromptText flattens the normalized messages into the role-prefixed prompt
// string handed to the embedder.
func PromptText(msgs []providers.Message) string {
	var sb strings.Builder
	for i, m := range normalizeMessages(msgs) {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
