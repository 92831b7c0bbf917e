package pricing

import "time"

// seedVerifiedAt is refreshed whenever the seed table is re-checked against
// the provider price pages.
var seedVerifiedAt = time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)

// Seed returns the built-in price table for the supported providers.
// Prices are USD per million tokens.
func Seed() []Price {
	v := seedVerifiedAt
	return []Price{
		// OpenAI
		{Provider: "openai", Model: "gpt-4o", InputPerM: 2.50, OutputPerM: 10.00, CachedInputPerM: 1.25, BatchInputPerM: 1.25, BatchOutputPerM: 5.00, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "gpt-4o-mini", InputPerM: 0.15, OutputPerM: 0.60, CachedInputPerM: 0.075, BatchInputPerM: 0.075, BatchOutputPerM: 0.30, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "gpt-4.1", InputPerM: 2.00, OutputPerM: 8.00, CachedInputPerM: 0.50, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "gpt-4.1-mini", InputPerM: 0.40, OutputPerM: 1.60, CachedInputPerM: 0.10, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "o3-mini", InputPerM: 1.10, OutputPerM: 4.40, CachedInputPerM: 0.55, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "text-embedding-3-small", InputPerM: 0.02, Embedding: true, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},
		{Provider: "openai", Model: "text-embedding-3-large", InputPerM: 0.13, Embedding: true, LastVerifiedAt: v, SourceURL: "https://openai.com/api/pricing"},

		// Anthropic
		{Provider: "anthropic", Model: "claude-3-5-sonnet", InputPerM: 3.00, OutputPerM: 15.00, CachedInputPerM: 0.30, BatchInputPerM: 1.50, BatchOutputPerM: 7.50, LastVerifiedAt: v, SourceURL: "https://www.anthropic.com/pricing"},
		{Provider: "anthropic", Model: "claude-3-5-haiku", InputPerM: 0.80, OutputPerM: 4.00, CachedInputPerM: 0.08, LastVerifiedAt: v, SourceURL: "https://www.anthropic.com/pricing"},
		{Provider: "anthropic", Model: "claude-3-opus", InputPerM: 15.00, OutputPerM: 75.00, CachedInputPerM: 1.50, LastVerifiedAt: v, SourceURL: "https://www.anthropic.com/pricing"},
		{Provider: "anthropic", Model: "claude-sonnet-4", InputPerM: 3.00, OutputPerM: 15.00, CachedInputPerM: 0.30, LastVerifiedAt: v, SourceURL: "https://www.anthropic.com/pricing"},

		// Groq
		{Provider: "groq", Model: "llama-3.3-70b-versatile", InputPerM: 0.59, OutputPerM: 0.79, LastVerifiedAt: v, SourceURL: "https://groq.com/pricing"},
		{Provider: "groq", Model: "llama-3.1-8b-instant", InputPerM: 0.05, OutputPerM: 0.08, LastVerifiedAt: v, SourceURL: "https://groq.com/pricing"},
		{Provider: "groq", Model: "gemma2-9b-it", InputPerM: 0.20, OutputPerM: 0.20, LastVerifiedAt: v, SourceURL: "https://groq.com/pricing"},

		// OpenRouter (pass-through pricing for common routed models)
		{Provider: "openrouter", Model: "openai/gpt-4o", InputPerM: 2.50, OutputPerM: 10.00, LastVerifiedAt: v, SourceURL: "https://openrouter.ai/models"},
		{Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet", InputPerM: 3.00, OutputPerM: 15.00, LastVerifiedAt: v, SourceURL: "https://openrouter.ai/models"},
		{Provider: "openrouter", Model: "meta-llama/llama-3.1-70b-instruct", InputPerM: 0.30, OutputPerM: 0.40, LastVerifiedAt: v, SourceURL: "https://openrouter.ai/models"},
	}
}
