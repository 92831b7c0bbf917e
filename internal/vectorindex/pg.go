package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

const pgQueryTimeout = 500 * time.Millisecond

// PGIndex is a pgvector-backed Index. Cosine similarity is computed in the
// database via the `<=>` cosine-distance operator, so nearest-neighbor
// lookups stay index-assisted even with millions of entries.
type PGIndex struct {
	db *sql.DB
}

// NewPGIndex wraps an open database handle. The caller owns the handle's
// lifecycle; the semantic_cache table and vector extension must already exist.
func NewPGIndex(db *sql.DB) *PGIndex {
	return &PGIndex{db: db}
}

// Put upserts the entry on (project_id, fingerprint).
func (p *PGIndex) Put(ctx context.Context, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = *entry.ExpiresAt
	}
	var embedding any
	if len(entry.PromptEmbedding) > 0 {
		embedding = pgvector.NewVector(entry.PromptEmbedding)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO semantic_cache (
			project_id, fingerprint, endpoint_path, provider, model,
			prompt_embedding, canonical_response,
			prompt_tokens, completion_tokens, cost_usd, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		ON CONFLICT (project_id, fingerprint) DO UPDATE SET
			canonical_response = EXCLUDED.canonical_response,
			prompt_embedding   = EXCLUDED.prompt_embedding,
			prompt_tokens      = EXCLUDED.prompt_tokens,
			completion_tokens  = EXCLUDED.completion_tokens,
			cost_usd           = EXCLUDED.cost_usd,
			expires_at         = EXCLUDED.expires_at
	`,
		entry.ProjectID, entry.Fingerprint, entry.EndpointPath, entry.Provider, entry.Model,
		embedding, []byte(entry.CanonicalResponse),
		entry.PromptTokens, entry.CompletionTokens, entry.CostUSD, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("vectorindex: put: %w", err)
	}
	return nil
}

// ExactGet returns the live entry for (projectID, fingerprint), or nil on a
// miss. Expired entries are filtered in the query.
func (p *PGIndex) ExactGet(ctx context.Context, projectID, fingerprint string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `
		SELECT endpoint_path, provider, model, canonical_response,
		       prompt_tokens, completion_tokens, cost_usd, created_at, expires_at, hit_count
		FROM semantic_cache
		WHERE project_id = $1
		  AND fingerprint = $2
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, projectID, fingerprint)

	e := &Entry{ProjectID: projectID, Fingerprint: fingerprint}
	var expiresAt sql.NullTime
	err := row.Scan(
		&e.EndpointPath, &e.Provider, &e.Model, &e.CanonicalResponse,
		&e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &e.CreatedAt, &expiresAt, &e.HitCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vectorindex: exact get: %w", err)
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}

// Nearest returns the top-k live entries on the endpoint with cosine
// similarity ≥ minScore, ordered best-first with ties broken by hit count and
// recency — mirroring the ORDER BY below.
func (p *PGIndex) Nearest(ctx context.Context, projectID, endpointPath string, vector []float32, k int, minScore float64) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT fingerprint, provider, model, canonical_response,
		       prompt_tokens, completion_tokens, cost_usd, created_at, expires_at, hit_count,
		       1 - (prompt_embedding <=> $1::vector) AS similarity
		FROM semantic_cache
		WHERE project_id = $2
		  AND endpoint_path = $3
		  AND prompt_embedding IS NOT NULL
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND 1 - (prompt_embedding <=> $1::vector) >= $4
		ORDER BY similarity DESC, hit_count DESC, created_at DESC
		LIMIT $5
	`, pgvector.NewVector(vector), projectID, endpointPath, minScore, k)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: nearest: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		e := &Entry{ProjectID: projectID, EndpointPath: endpointPath}
		var expiresAt sql.NullTime
		var score float64
		if err := rows.Scan(
			&e.Fingerprint, &e.Provider, &e.Model, &e.CanonicalResponse,
			&e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &e.CreatedAt, &expiresAt, &e.HitCount,
			&score,
		); err != nil {
			return nil, fmt.Errorf("vectorindex: nearest scan: %w", err)
		}
		if expiresAt.Valid {
			e.ExpiresAt = &expiresAt.Time
		}
		matches = append(matches, Match{Entry: e, Score: score})
	}
	return matches, rows.Err()
}

// IncrementHit bumps the hit counter; best-effort for callers that fire it
// off the hot path.
func (p *PGIndex) IncrementHit(ctx context.Context, projectID, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		UPDATE semantic_cache SET hit_count = hit_count + 1
		WHERE project_id = $1 AND fingerprint = $2
	`, projectID, fingerprint)
	return err
}

// Invalidate deletes the project's entries selected by f. When f.All is set
// the other filter fields are ignored.
func (p *PGIndex) Invalidate(ctx context.Context, projectID string, f Filter) (int, error) {
	q := `DELETE FROM semantic_cache WHERE project_id = $1`
	args := []any{projectID}

	if !f.All {
		if f.Model != "" {
			args = append(args, f.Model)
			q += fmt.Sprintf(" AND model = $%d", len(args))
		}
		if f.EndpointPath != "" {
			args = append(args, f.EndpointPath)
			q += fmt.Sprintf(" AND endpoint_path = $%d", len(args))
		}
		if f.Before != nil {
			args = append(args, *f.Before)
			q += fmt.Sprintf(" AND created_at < $%d", len(args))
		}
		if f.After != nil {
			args = append(args, *f.After)
			q += fmt.Sprintf(" AND created_at > $%d", len(args))
		}
	}

	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("vectorindex: invalidate: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Sweep physically removes expired entries. Run from the scheduled trigger.
func (p *PGIndex) Sweep(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("vectorindex: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AgeBuckets computes the age distribution of the project's live entries.
func (p *PGIndex) AgeBuckets(ctx context.Context, projectID string) (AgeStats, error) {
	var stats AgeStats

	rows, err := p.db.QueryContext(ctx, `
		SELECT created_at, expires_at, hit_count
		FROM semantic_cache
		WHERE project_id = $1
	`, projectID)
	if err != nil {
		return stats, fmt.Errorf("vectorindex: age buckets: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var totalAge time.Duration
	for rows.Next() {
		var createdAt time.Time
		var expiresAt sql.NullTime
		var hits int64
		if err := rows.Scan(&createdAt, &expiresAt, &hits); err != nil {
			return stats, err
		}
		if expiresAt.Valid && expiresAt.Time.Before(now) {
			stats.Expired++
			continue
		}
		age := now.Sub(createdAt)
		stats.bucketize(age)
		stats.TotalEntries++
		stats.TotalHits += hits
		totalAge += age
	}
	if stats.TotalEntries > 0 {
		stats.AvgAgeHours = totalAge.Hours() / float64(stats.TotalEntries)
	}
	return stats, rows.Err()
}
