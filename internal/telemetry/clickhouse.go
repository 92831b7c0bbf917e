package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouse is the columnar analytics sink and the query layer over it.
// EventID is the dedup key: the usage_events table is a ReplacingMergeTree
// keyed on it, so re-delivered batches collapse to one row.
type ClickHouse struct {
	conn driver.Conn
}

// OpenClickHouse connects and verifies the connection with a ping.
func OpenClickHouse(ctx context.Context, addr, database, username, password string) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("telemetry: clickhouse ping: %w", err)
	}

	return &ClickHouse{conn: conn}, nil
}

// Close releases the connection pool.
func (c *ClickHouse) Close() error { return c.conn.Close() }

// Ping reports connectivity for readiness probes.
func (c *ClickHouse) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

// WriteBatch appends a batch of events in a single round trip.
func (c *ClickHouse) WriteBatch(ctx context.Context, events []Event) error {
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO usage_events (
			event_id, project_id, run_id, timestamp, env, tags,
			sdk_version, platform, kind,
			gateway_key_id, provider_key_id, provider, model, endpoint_path,
			tokens_input, tokens_output, cost_usd, latency_ms,
			status, error_code, cached, cache_similarity, response_summary, message
		)
	`)
	if err != nil {
		return fmt.Errorf("telemetry: prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID, e.ProjectID, e.RunID, e.Timestamp, e.Env, e.Tags,
			e.Client.SDKVersion, e.Client.Platform, e.Kind,
			e.GatewayKeyID, e.ProviderKeyID, e.Provider, e.Model, e.EndpointPath,
			uint32(e.TokensInput), uint32(e.TokensOutput), e.CostUSD, uint32(e.LatencyMs),
			e.Status, e.ErrorCode, e.Cached, e.CacheSimilarity, e.ResponseSummary, e.Message,
		); err != nil {
			return fmt.Errorf("telemetry: batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("telemetry: batch send: %w", err)
	}
	return nil
}

// ── Aggregation queries ──────────────────────────────────────────────────────

// ProjectStats summarizes a project's traffic over a date range.
type ProjectStats struct {
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	CacheHits    uint64  `json:"cache_hits"`
	TokensInput  uint64  `json:"tokens_input"`
	TokensOutput uint64  `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	ErrorRate    float64 `json:"error_rate"`
}

// Stats aggregates prompt_call events for a project between from and to.
func (c *ClickHouse) Stats(ctx context.Context, projectID string, from, to time.Time) (*ProjectStats, error) {
	row := c.conn.QueryRow(ctx, `
		SELECT
			count()                            AS requests,
			countIf(status = 'error' OR status = 'timeout') AS errors,
			countIf(cached)                    AS cache_hits,
			sum(tokens_input)                  AS tokens_input,
			sum(tokens_output)                 AS tokens_output,
			sum(cost_usd)                      AS cost_usd,
			avg(latency_ms)                    AS avg_latency_ms
		FROM usage_events
		WHERE project_id = ? AND kind = 'prompt_call'
		  AND timestamp >= ? AND timestamp < ?
	`, projectID, from, to)

	var s ProjectStats
	if err := row.Scan(&s.Requests, &s.Errors, &s.CacheHits,
		&s.TokensInput, &s.TokensOutput, &s.CostUSD, &s.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("telemetry: stats: %w", err)
	}
	if s.Requests > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.Requests)
		s.ErrorRate = float64(s.Errors) / float64(s.Requests)
	}
	return &s, nil
}

// TimeSeriesPoint is one bucket of a metric series.
type TimeSeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
}

// periodWindows maps the API's period names to (window, bucket width).
var periodWindows = map[string]struct {
	window time.Duration
	bucket string
}{
	"1h":  {time.Hour, "toStartOfFiveMinutes(timestamp)"},
	"6h":  {6 * time.Hour, "toStartOfInterval(timestamp, INTERVAL 30 minute)"},
	"24h": {24 * time.Hour, "toStartOfHour(timestamp)"},
	"7d":  {7 * 24 * time.Hour, "toStartOfInterval(timestamp, INTERVAL 6 hour)"},
	"30d": {30 * 24 * time.Hour, "toStartOfDay(timestamp)"},
}

// metricExprs maps the API's metric names to aggregate expressions.
var metricExprs = map[string]string{
	"requests": "toFloat64(count())",
	"cost":     "sum(cost_usd)",
	"latency":  "avg(latency_ms)",
	"errors":   "toFloat64(countIf(status = 'error' OR status = 'timeout'))",
}

// TimeSeries returns the metric bucketed over the trailing period.
func (c *ClickHouse) TimeSeries(ctx context.Context, projectID, period, metric string) ([]TimeSeriesPoint, error) {
	pw, ok := periodWindows[period]
	if !ok {
		return nil, fmt.Errorf("telemetry: unknown period %q", period)
	}
	expr, ok := metricExprs[metric]
	if !ok {
		return nil, fmt.Errorf("telemetry: unknown metric %q", metric)
	}

	query := fmt.Sprintf(`
		SELECT %s AS bucket, %s AS value
		FROM usage_events
		WHERE project_id = ? AND kind = 'prompt_call' AND timestamp >= ?
		GROUP BY bucket
		ORDER BY bucket
	`, pw.bucket, expr)

	rows, err := c.conn.Query(ctx, query, projectID, time.Now().Add(-pw.window))
	if err != nil {
		return nil, fmt.Errorf("telemetry: time series: %w", err)
	}
	defer rows.Close()

	var out []TimeSeriesPoint
	for rows.Next() {
		var p TimeSeriesPoint
		if err := rows.Scan(&p.Bucket, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LogFilter narrows a paginated log query.
type LogFilter struct {
	Status string
	Model  string
	RunID  string
	Limit  int
	Offset int
}

// LogEntry is one row of the dashboard's request log view.
type LogEntry struct {
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	EndpointPath string    `json:"endpoint_path"`
	TokensInput  uint32    `json:"tokens_input"`
	TokensOutput uint32    `json:"tokens_output"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    uint32    `json:"latency_ms"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Cached       bool      `json:"cached"`
	RunID        string    `json:"run_id,omitempty"`
}

// Logs returns a filtered, newest-first page of prompt_call events.
func (c *ClickHouse) Logs(ctx context.Context, projectID string, f LogFilter) ([]LogEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT event_id, timestamp, provider, model, endpoint_path,
		       tokens_input, tokens_output, cost_usd, latency_ms,
		       status, error_code, cached, run_id
		FROM usage_events
		WHERE project_id = ? AND kind = 'prompt_call'
	`)
	args := []any{projectID}

	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, f.Status)
	}
	if f.Model != "" {
		sb.WriteString(" AND model = ?")
		args = append(args, f.Model)
	}
	if f.RunID != "" {
		sb.WriteString(" AND run_id = ?")
		args = append(args, f.RunID)
	}

	sb.WriteString(" ORDER BY timestamp DESC LIMIT ? OFFSET ?")
	args = append(args, f.Limit, f.Offset)

	rows, err := c.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Provider, &e.Model, &e.EndpointPath,
			&e.TokensInput, &e.TokensOutput, &e.CostUSD, &e.LatencyMs,
			&e.Status, &e.ErrorCode, &e.Cached, &e.RunID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
