package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

const pgQueryTimeout = 2 * time.Second

// Postgres is the production Store. It shares the database handle with the
// pgvector index so a single DSN configures both.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn, verifies the connection, and returns the store plus
// the raw handle for the vector index to share.
func Open(ctx context.Context, dsn string) (*Postgres, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Postgres{db: db}, db, nil
}

// NewPostgres wraps an existing handle. The caller owns its lifecycle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) GatewayKeyByHash(ctx context.Context, hash string) (*GatewayKey, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	k := &GatewayKey{Hash: hash}
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, is_active, created_at, last_used_at
		FROM gateway_keys WHERE hash = $1
	`, hash).Scan(&k.ID, &k.ProjectID, &k.IsActive, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: gateway key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return k, nil
}

func (s *Postgres) TouchGatewayKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Postgres) ProjectByID(ctx context.Context, id string) (*Project, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	p := &Project{ID: id}
	var overrides []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, semantic_cache_threshold, cache_ttl_seconds,
		       cache_ttl_overrides, cost_alert_threshold, cost_alerts_enabled
		FROM projects WHERE id = $1
	`, id).Scan(&p.TenantID, &p.SemanticCacheThreshold, &p.CacheTTLSeconds,
		&overrides, &p.CostAlertThreshold, &p.CostAlertsEnabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: project: %w", err)
	}

	p.CacheTTLOverrides = make(map[string]int64)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p.CacheTTLOverrides); err != nil {
			return nil, fmt.Errorf("store: project ttl overrides: %w", err)
		}
	}
	return p, nil
}

func (s *Postgres) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	t := &Tenant{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM tenants WHERE id = $1`, id).Scan(&t.Plan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: tenant: %w", err)
	}
	return t, nil
}

func (s *Postgres) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET plan = $2 WHERE id = $1`, tenantID, plan)
	if err != nil {
		return fmt.Errorf("store: set plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ProjectsWithCostAlerts(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, semantic_cache_threshold, cache_ttl_seconds,
		       cache_ttl_overrides, cost_alert_threshold, cost_alerts_enabled
		FROM projects WHERE cost_alerts_enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("store: projects with alerts: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var overrides []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SemanticCacheThreshold, &p.CacheTTLSeconds,
			&overrides, &p.CostAlertThreshold, &p.CostAlertsEnabled); err != nil {
			return nil, err
		}
		p.CacheTTLOverrides = make(map[string]int64)
		if len(overrides) > 0 {
			_ = json.Unmarshal(overrides, &p.CacheTTLOverrides)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) ActiveProviderKeys(ctx context.Context, projectID, provider string) ([]ProviderKey, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, encrypted_key, iv, priority, name, last_used_at
		FROM provider_keys
		WHERE project_id = $1 AND provider = $2 AND is_active = true
		ORDER BY priority ASC
	`, projectID, provider)
	if err != nil {
		return nil, fmt.Errorf("store: active provider keys: %w", err)
	}
	defer rows.Close()

	var out []ProviderKey
	for rows.Next() {
		k := ProviderKey{ProjectID: projectID, Provider: provider, IsActive: true}
		var lastUsed sql.NullTime
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.EncryptedKey, &k.IV, &k.Priority, &name, &lastUsed); err != nil {
			return nil, err
		}
		if name.Valid {
			k.Name = name.String
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveProviderKey inserts or updates a key inside one transaction: the
// active-key count is checked with the slice locked, then priorities are
// re-packed to a dense 1..n.
func (s *Postgres) SaveProviderKey(ctx context.Context, key *ProviderKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save key begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if key.IsActive {
		// Lock the slice's rows, then count — COUNT cannot take FOR UPDATE
		// directly.
		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM (
				SELECT 1 FROM provider_keys
				WHERE project_id = $1 AND provider = $2 AND is_active = true AND id <> $3
				FOR UPDATE
			) locked
		`, key.ProjectID, key.Provider, key.ID).Scan(&active)
		if err != nil {
			return fmt.Errorf("store: save key count: %w", err)
		}
		if active >= MaxActiveProviderKeys {
			return ErrTooManyKeys
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_keys (id, project_id, provider, encrypted_key, iv, priority, is_active, name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			name = EXCLUDED.name
	`, key.ID, key.ProjectID, key.Provider, key.EncryptedKey, key.IV, key.Priority, key.IsActive, key.Name)
	if err != nil {
		return fmt.Errorf("store: save key: %w", err)
	}

	if err := repackPrioritiesTx(ctx, tx, key.ProjectID, key.Provider); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Postgres) DeleteProviderKey(ctx context.Context, projectID, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete key begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var provider string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM provider_keys WHERE id = $1 AND project_id = $2 RETURNING provider
	`, keyID, projectID).Scan(&provider)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: delete key: %w", err)
	}

	if err := repackPrioritiesTx(ctx, tx, projectID, provider); err != nil {
		return err
	}

	return tx.Commit()
}

// repackPrioritiesTx renumbers the active keys of one (project, provider)
// slice to a dense 1..n, preserving relative order.
func repackPrioritiesTx(ctx context.Context, tx *sql.Tx, projectID, provider string) error {
	_, err := tx.ExecContext(ctx, `
		WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY priority ASC, id) AS rn
			FROM provider_keys
			WHERE project_id = $1 AND provider = $2 AND is_active = true
		)
		UPDATE provider_keys pk SET priority = ranked.rn
		FROM ranked WHERE pk.id = ranked.id
	`, projectID, provider)
	if err != nil {
		return fmt.Errorf("store: repack priorities: %w", err)
	}
	return nil
}

func (s *Postgres) ListProviderKeys(ctx context.Context, projectID string) ([]ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, encrypted_key, iv, priority, is_active, name, last_used_at
		FROM provider_keys WHERE project_id = $1
		ORDER BY provider, priority ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var out []ProviderKey
	for rows.Next() {
		k := ProviderKey{ProjectID: projectID}
		var lastUsed sql.NullTime
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.Provider, &k.EncryptedKey, &k.IV, &k.Priority, &k.IsActive, &name, &lastUsed); err != nil {
			return nil, err
		}
		if name.Valid {
			k.Name = name.String
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Postgres) TouchProviderKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE provider_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Postgres) UpdateCacheTTL(ctx context.Context, projectID string, defaultTTL int64, overrides map[string]int64) error {
	data, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("store: marshal overrides: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET cache_ttl_seconds = $2, cache_ttl_overrides = $3 WHERE id = $1
	`, projectID, defaultTTL, data)
	if err != nil {
		return fmt.Errorf("store: update ttl: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateCacheThreshold(ctx context.Context, projectID string, threshold float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET semantic_cache_threshold = $2 WHERE id = $1
	`, projectID, threshold)
	if err != nil {
		return fmt.Errorf("store: update threshold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertCacheFeedback(ctx context.Context, fb *CacheFeedback) error {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_feedback (id, project_id, cache_entry_id, accurate, similarity_score, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, fb.ID, fb.ProjectID, fb.CacheEntryID, fb.Accurate, fb.SimilarityScore)
	if err != nil {
		return fmt.Errorf("store: insert feedback: %w", err)
	}
	return nil
}

func (s *Postgres) ListCacheFeedback(ctx context.Context, projectID string, limit int) ([]CacheFeedback, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cache_entry_id, accurate, similarity_score, created_at
		FROM cache_feedback WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list feedback: %w", err)
	}
	defer rows.Close()

	var out []CacheFeedback
	for rows.Next() {
		fb := CacheFeedback{ProjectID: projectID}
		if err := rows.Scan(&fb.ID, &fb.CacheEntryID, &fb.Accurate, &fb.SimilarityScore, &fb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (s *Postgres) AlertSent(ctx context.Context, projectID, yearMonth string, threshold int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_alerts
		WHERE project_id = $1 AND year_month = $2 AND threshold = $3
	`, projectID, yearMonth, threshold).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: alert sent: %w", err)
	}
	return n > 0, nil
}

func (s *Postgres) RecordAlertSent(ctx context.Context, projectID, yearMonth string, threshold int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_alerts (project_id, year_month, threshold, sent_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, year_month, threshold) DO NOTHING
	`, projectID, yearMonth, threshold)
	if err != nil {
		return fmt.Errorf("store: record alert: %w", err)
	}
	return nil
}
