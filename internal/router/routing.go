// Package router dispatches normalized requests to upstream providers using
// the project's stored provider keys: keys are tried in priority order,
// decrypted on the way out, and failed over on auth errors and outages.
package router

import (
	"strings"

	"github.com/watchllm/gateway/internal/providers"
)

// ResolveProvider maps a model name to the provider that serves it.
//
//	vendor-prefixed names ("openai/gpt-4o") → openrouter
//	claude-*                                → anthropic
//	llama-* / mixtral-* / gemma2-* / qwen-* /
//	deepseek-r1-distill-*                   → groq
//	everything else (gpt-*, o1-*, ...)      → openai
func ResolveProvider(model string) string {
	m := strings.ToLower(model)

	if strings.Contains(m, "/") {
		return providers.NameOpenRouter
	}
	if strings.HasPrefix(m, "claude") {
		return providers.NameAnthropic
	}
	for _, p := range []string{"llama", "mixtral", "gemma2", "qwen", "deepseek-r1-distill"} {
		if strings.HasPrefix(m, p) {
			return providers.NameGroq
		}
	}
	return providers.NameOpenAI
}

// ResolveEmbeddingProvider maps an embedding model to its provider. The
// OpenAI embedding family is the only one served natively; vendor-prefixed
// names go through OpenRouter.
func ResolveEmbeddingProvider(model string) string {
	if strings.Contains(model, "/") {
		return providers.NameOpenRouter
	}
	return providers.NameOpenAI
}
