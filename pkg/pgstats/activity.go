package pgstats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ActiveQuery is one non-idle backend from pg_stat_activity.
type ActiveQuery struct {
	PID           int        `json:"pid"`
	User          string     `json:"user"`
	Database      string     `json:"database"`
	State         string     `json:"state"`
	Query         string     `json:"query"`
	DurationSecs  float64    `json:"duration_seconds"`
	QueryStart    *time.Time `json:"query_start,omitempty"`
	WaitEventType string     `json:"wait_event_type,omitempty"`
	WaitEvent     string     `json:"wait_event,omitempty"`
	BlockedByPIDs []int64    `json:"blocked_by_pids,omitempty"`
}

// ActiveQueries snapshots currently running backends, longest first.
// Backends waiting on locks carry the PIDs blocking them.
func (in *Introspector) ActiveQueries(ctx context.Context, minDuration time.Duration) ([]ActiveQuery, error) {
	const q = `
		SELECT
			pid,
			COALESCE(usename, ''),
			COALESCE(datname, ''),
			COALESCE(state, ''),
			LEFT(COALESCE(query, ''), 500),
			COALESCE(EXTRACT(EPOCH FROM (now() - query_start)), 0),
			query_start,
			COALESCE(wait_event_type, ''),
			COALESCE(wait_event, ''),
			pg_blocking_pids(pid)
		FROM pg_stat_activity
		WHERE state != 'idle'
		  AND pid != pg_backend_pid()
		  AND COALESCE(EXTRACT(EPOCH FROM (now() - query_start)), 0) >= $1
		ORDER BY query_start ASC NULLS LAST`

	rows, err := in.db.QueryContext(ctx, q, minDuration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("active queries: %w", err)
	}
	defer rows.Close()

	var out []ActiveQuery
	for rows.Next() {
		var (
			a       ActiveQuery
			start   sql.NullTime
			blocked pq.Int64Array
		)
		if err := rows.Scan(&a.PID, &a.User, &a.Database, &a.State, &a.Query,
			&a.DurationSecs, &start, &a.WaitEventType, &a.WaitEvent, &blocked); err != nil {
			return nil, fmt.Errorf("scan active query: %w", err)
		}
		a.QueryStart = nullTimePtr(start)
		a.BlockedByPIDs = []int64(blocked)
		out = append(out, a)
	}
	return out, rows.Err()
}

// WaitEventCount aggregates backends over one wait event.
type WaitEventCount struct {
	Type     string `json:"wait_event_type"`
	Event    string `json:"wait_event"`
	Backends int64  `json:"backends"`
}

// WaitEvents aggregates what the currently waiting backends wait on.
func (in *Introspector) WaitEvents(ctx context.Context) ([]WaitEventCount, error) {
	const q = `
		SELECT wait_event_type, wait_event, count(*)
		FROM pg_stat_activity
		WHERE wait_event IS NOT NULL
		  AND pid != pg_backend_pid()
		GROUP BY wait_event_type, wait_event
		ORDER BY count(*) DESC`

	rows, err := in.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("wait events: %w", err)
	}
	defer rows.Close()

	var out []WaitEventCount
	for rows.Next() {
		var w WaitEventCount
		if err := rows.Scan(&w.Type, &w.Event, &w.Backends); err != nil {
			return nil, fmt.Errorf("scan wait event: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Setting is one server configuration parameter.
type Setting struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Unit        string `json:"unit,omitempty"`
	Category    string `json:"category"`
	Description string `json:"description"`
	BootValue   string `json:"boot_value"`
	Source      string `json:"source"`
}

// performanceGUCs are the parameters that most often explain performance
// behavior; the settings tool reports exactly these.
var performanceGUCs = []string{
	"shared_buffers", "effective_cache_size", "work_mem",
	"maintenance_work_mem", "max_connections", "random_page_cost",
	"seq_page_cost", "effective_io_concurrency", "wal_buffers",
	"checkpoint_completion_target", "max_wal_size", "min_wal_size",
	"autovacuum", "autovacuum_max_workers", "autovacuum_naptime",
	"autovacuum_vacuum_scale_factor", "default_statistics_target",
	"jit", "max_parallel_workers_per_gather", "max_parallel_workers",
	"shared_preload_libraries", "track_io_timing",
}

// Settings returns the key performance-related GUCs.
func (in *Introspector) Settings(ctx context.Context) ([]Setting, error) {
	const q = `
		SELECT name, setting, COALESCE(unit, ''), category, short_desc,
		       COALESCE(boot_val, ''), source
		FROM pg_settings
		WHERE name = ANY($1)
		ORDER BY category, name`

	rows, err := in.db.QueryContext(ctx, q, pq.Array(performanceGUCs))
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Name, &s.Value, &s.Unit, &s.Category,
			&s.Description, &s.BootValue, &s.Source); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HealthReport is a database-wide health snapshot.
type HealthReport struct {
	CacheHitRatio      float64  `json:"cache_hit_ratio"`
	IndexCacheHitRatio float64  `json:"index_cache_hit_ratio"`
	Connections        int64    `json:"connections"`
	MaxConnections     int64    `json:"max_connections"`
	ConnectionUsage    float64  `json:"connection_usage_percent"`
	OldestXactAge      int64    `json:"oldest_transaction_age"`
	Deadlocks          int64    `json:"deadlocks"`
	TempFiles          int64    `json:"temp_files"`
	TempBytes          int64    `json:"temp_bytes"`
	CheckpointsTimed   int64    `json:"checkpoints_timed"`
	CheckpointsReq     int64    `json:"checkpoints_requested"`
	Notes              []string `json:"notes,omitempty"`
}

// Health gathers the composite health snapshot and flags the metrics
// that are out of their comfortable range.
func (in *Introspector) Health(ctx context.Context) (*HealthReport, error) {
	h := &HealthReport{}

	const cacheQ = `
		SELECT
			COALESCE(ROUND(100.0 * sum(blks_hit) / NULLIF(sum(blks_hit) + sum(blks_read), 0), 2), 100),
			COALESCE(sum(deadlocks), 0),
			COALESCE(sum(temp_files), 0),
			COALESCE(sum(temp_bytes), 0)
		FROM pg_stat_database`
	if err := in.db.QueryRowContext(ctx, cacheQ).Scan(&h.CacheHitRatio, &h.Deadlocks, &h.TempFiles, &h.TempBytes); err != nil {
		return nil, fmt.Errorf("database stats: %w", err)
	}

	const idxCacheQ = `
		SELECT COALESCE(ROUND(100.0 * sum(idx_blks_hit) / NULLIF(sum(idx_blks_hit) + sum(idx_blks_read), 0), 2), 100)
		FROM pg_statio_user_indexes`
	if err := in.db.QueryRowContext(ctx, idxCacheQ).Scan(&h.IndexCacheHitRatio); err != nil {
		return nil, fmt.Errorf("index cache stats: %w", err)
	}

	const connQ = `
		SELECT count(*),
		       (SELECT setting::bigint FROM pg_settings WHERE name = 'max_connections')
		FROM pg_stat_activity`
	if err := in.db.QueryRowContext(ctx, connQ).Scan(&h.Connections, &h.MaxConnections); err != nil {
		return nil, fmt.Errorf("connection stats: %w", err)
	}
	if h.MaxConnections > 0 {
		h.ConnectionUsage = 100.0 * float64(h.Connections) / float64(h.MaxConnections)
	}

	const xactQ = `SELECT COALESCE(max(age(datfrozenxid)), 0) FROM pg_database`
	if err := in.db.QueryRowContext(ctx, xactQ).Scan(&h.OldestXactAge); err != nil {
		return nil, fmt.Errorf("transaction age: %w", err)
	}

	const ckptQ = `SELECT checkpoints_timed, checkpoints_req FROM pg_stat_bgwriter`
	if err := in.db.QueryRowContext(ctx, ckptQ).Scan(&h.CheckpointsTimed, &h.CheckpointsReq); err != nil {
		// The bgwriter view lost its checkpoint columns in PostgreSQL 17;
		// fall back to pg_stat_checkpointer.
		const ckptQ17 = `SELECT num_timed, num_requested FROM pg_stat_checkpointer`
		if err17 := in.db.QueryRowContext(ctx, ckptQ17).Scan(&h.CheckpointsTimed, &h.CheckpointsReq); err17 != nil {
			return nil, fmt.Errorf("checkpoint stats: %w", err)
		}
	}

	if h.CacheHitRatio < 90 {
		h.Notes = append(h.Notes, fmt.Sprintf("buffer cache hit ratio is %.1f%% (healthy is above 90%%); consider increasing shared_buffers", h.CacheHitRatio))
	}
	if h.ConnectionUsage > 80 {
		h.Notes = append(h.Notes, fmt.Sprintf("connection usage at %.0f%% of max_connections; consider a connection pooler", h.ConnectionUsage))
	}
	if h.OldestXactAge > 1_000_000_000 {
		h.Notes = append(h.Notes, "oldest transaction age is approaching wraparound territory; check for stuck autovacuum")
	}
	if h.CheckpointsReq > h.CheckpointsTimed && h.CheckpointsReq > 0 {
		h.Notes = append(h.Notes, "more requested than timed checkpoints; consider increasing max_wal_size")
	}
	if h.TempFiles > 0 {
		h.Notes = append(h.Notes, fmt.Sprintf("%d temp files spilled to disk; consider increasing work_mem", h.TempFiles))
	}
	return h, nil
}
