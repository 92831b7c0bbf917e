// Package vectorindex stores cache entries addressable two ways: O(1) by
// (projectID, fingerprint) and nearest-neighbor by cosine similarity over the
// prompt embedding.
//
// Two backends are available:
//   - PGIndex     — pgvector-backed, recommended for production clusters.
//   - MemoryIndex — in-process, zero external dependencies.
//     Ideal for single-instance deployments or tests.
//
// Both implement the Index interface so they are fully interchangeable.
package vectorindex

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a cached completion plus its lookup metadata.
type Entry struct {
	Fingerprint       string
	ProjectID         string
	EndpointPath      string
	Provider          string
	Model             string
	PromptEmbedding   []float32
	CanonicalResponse json.RawMessage
	PromptTokens      int
	CompletionTokens  int
	CostUSD           float64
	CreatedAt         time.Time
	ExpiresAt         *time.Time // nil = never expires
	HitCount          int64
}

// Expired reports whether the entry is past its TTL at now.
// Entries with a nil ExpiresAt never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Match is a nearest-neighbor result.
type Match struct {
	Entry *Entry
	Score float64
}

// Filter selects entries for invalidation. When All is true the other fields
// are ignored — "invalidate everything" dominates.
type Filter struct {
	Model        string
	EndpointPath string
	Before       *time.Time
	After        *time.Time
	All          bool
}

// matches reports whether the filter selects e, by creation time.
func (f Filter) matches(e *Entry) bool {
	if f.All {
		return true
	}
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	if f.EndpointPath != "" && e.EndpointPath != f.EndpointPath {
		return false
	}
	if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !e.CreatedAt.After(*f.After) {
		return false
	}
	return true
}

// Index is the vector store capability set the cache engine depends on.
//
// Expired entries are skipped on every read and physically removed by Sweep;
// Put is idempotent on (projectID, fingerprint).
type Index interface {
	Put(ctx context.Context, entry *Entry) error
	ExactGet(ctx context.Context, projectID, fingerprint string) (*Entry, error)
	Nearest(ctx context.Context, projectID, endpointPath string, vector []float32, k int, minScore float64) ([]Match, error)
	IncrementHit(ctx context.Context, projectID, fingerprint string) error
	Invalidate(ctx context.Context, projectID string, f Filter) (int, error)
	Sweep(ctx context.Context) (int, error)
	AgeBuckets(ctx context.Context, projectID string) (AgeStats, error)
}

// AgeStats is the entry-age distribution surfaced by the admin stats endpoint.
type AgeStats struct {
	Under1h      int     `json:"under_1h"`
	H1to6        int     `json:"h1_to_6"`
	H6to24       int     `json:"h6_to_24"`
	D1to7        int     `json:"d1_to_7"`
	D7to30       int     `json:"d7_to_30"`
	Over30d      int     `json:"over_30d"`
	Expired      int     `json:"expired"`
	AvgAgeHours  float64 `json:"avg_age_hours"`
	TotalEntries int     `json:"total_entries"`
	TotalHits    int64   `json:"total_hits"`
}

// bucketize adds one entry of the given age to the stats.
func (s *AgeStats) bucketize(age time.Duration) {
	switch {
	case age < time.Hour:
		s.Under1h++
	case age < 6*time.Hour:
		s.H1to6++
	case age < 24*time.Hour:
		s.H6to24++
	case age < 7*24*time.Hour:
		s.D1to7++
	case age < 30*24*time.Hour:
		s.D7to30++
	default:
		s.Over30d++
	}
}
