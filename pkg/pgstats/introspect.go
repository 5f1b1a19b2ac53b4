package pgstats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Introspector runs the diagnostic catalog queries behind the server's
// inspection tools. It only reads monitoring views and never touches user
// data, with the one exception of Explain when ANALYZE is requested.
type Introspector struct {
	db     *sql.DB
	schema string
}

// NewIntrospector creates an Introspector for the given schema ("public"
// when empty).
func NewIntrospector(db *sql.DB, schema string) *Introspector {
	if schema == "" {
		schema = "public"
	}
	return &Introspector{db: db, schema: schema}
}

// DB exposes the underlying pool for callers that need a dedicated
// session, such as the hypothetical index bridge.
func (in *Introspector) DB() *sql.DB { return in.db }

// SlowQuery is one pg_stat_statements entry.
type SlowQuery struct {
	QueryID         int64   `json:"queryid"`
	Query           string  `json:"query_text"`
	Calls           int64   `json:"calls"`
	TotalTimeMs     float64 `json:"total_time_ms"`
	MeanTimeMs      float64 `json:"mean_time_ms"`
	MinTimeMs       float64 `json:"min_time_ms"`
	MaxTimeMs       float64 `json:"max_time_ms"`
	StddevTimeMs    float64 `json:"stddev_time_ms"`
	Rows            int64   `json:"rows"`
	SharedBlksHit   int64   `json:"shared_blks_hit"`
	SharedBlksRead  int64   `json:"shared_blks_read"`
	CacheHitRatio   float64 `json:"cache_hit_ratio"`
	TempBlksRead    int64   `json:"temp_blks_read"`
	TempBlksWritten int64   `json:"temp_blks_written"`
}

// SlowQueryFilter narrows and orders a slow query listing.
type SlowQueryFilter struct {
	Limit         int
	MinCalls      int
	MinMeanTimeMs float64
	OrderBy       string // total_time, mean_time, calls or rows
}

// SlowQueries returns the heaviest statements from pg_stat_statements.
// System catalog traffic is excluded so the listing reflects application
// queries.
func (in *Introspector) SlowQueries(ctx context.Context, f SlowQueryFilter) ([]SlowQuery, error) {
	ok, err := in.hasExtension(ctx, "pg_stat_statements")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewErrExtensionMissing("pg_stat_statements")
	}

	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.MinCalls <= 0 {
		f.MinCalls = 1
	}
	// Order column goes through a whitelist, never through string
	// interpolation of caller input.
	orderColumn := map[string]string{
		"total_time": "total_exec_time",
		"mean_time":  "mean_exec_time",
		"calls":      "calls",
		"rows":       "rows",
	}[f.OrderBy]
	if orderColumn == "" {
		orderColumn = "total_exec_time"
	}

	q := fmt.Sprintf(`
		SELECT
			queryid,
			LEFT(query, 500),
			calls,
			ROUND(total_exec_time::numeric, 2),
			ROUND(mean_exec_time::numeric, 2),
			ROUND(min_exec_time::numeric, 2),
			ROUND(max_exec_time::numeric, 2),
			ROUND(stddev_exec_time::numeric, 2),
			rows,
			shared_blks_hit,
			shared_blks_read,
			CASE
				WHEN shared_blks_hit + shared_blks_read > 0
				THEN ROUND(100.0 * shared_blks_hit / (shared_blks_hit + shared_blks_read), 2)
				ELSE 100
			END,
			temp_blks_read,
			temp_blks_written
		FROM pg_stat_statements
		WHERE calls >= $1
		  AND mean_exec_time >= $2
		  AND query NOT LIKE '%%pg_stat_statements%%'
		  AND query NOT LIKE '%%pg_catalog%%'
		  AND query NOT LIKE '%%information_schema%%'
		  AND query NOT LIKE '%%pg_toast%%'
		ORDER BY %s DESC
		LIMIT $3`, orderColumn)

	rows, err := in.db.QueryContext(ctx, q, f.MinCalls, f.MinMeanTimeMs, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("slow queries: %w", err)
	}
	defer rows.Close()

	var out []SlowQuery
	for rows.Next() {
		var s SlowQuery
		if err := rows.Scan(&s.QueryID, &s.Query, &s.Calls, &s.TotalTimeMs, &s.MeanTimeMs, &s.MinTimeMs,
			&s.MaxTimeMs, &s.StddevTimeMs, &s.Rows, &s.SharedBlksHit, &s.SharedBlksRead,
			&s.CacheHitRatio, &s.TempBlksRead, &s.TempBlksWritten); err != nil {
			return nil, fmt.Errorf("scan slow query: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TableStat is one table's size, bloat and maintenance picture.
type TableStat struct {
	Table            string     `json:"table_name"`
	Schema           string     `json:"schema_name"`
	TableSize        string     `json:"table_size"`
	IndexesSize      string     `json:"indexes_size"`
	TotalSize        string     `json:"total_size"`
	TotalSizeBytes   int64      `json:"total_size_bytes"`
	LiveTuples       int64      `json:"n_live_tup"`
	DeadTuples       int64      `json:"n_dead_tup"`
	DeadTupleRatio   float64    `json:"dead_tuple_ratio"`
	SeqScans         int64      `json:"seq_scan"`
	SeqTuplesRead    int64      `json:"seq_tup_read"`
	IndexScans       int64      `json:"idx_scan"`
	IndexScanRatio   float64    `json:"index_scan_ratio"`
	LastVacuum       *time.Time `json:"last_vacuum,omitempty"`
	LastAutovacuum   *time.Time `json:"last_autovacuum,omitempty"`
	LastAnalyze      *time.Time `json:"last_analyze,omitempty"`
	LastAutoanalyze  *time.Time `json:"last_autoanalyze,omitempty"`
	VacuumCount      int64      `json:"vacuum_count"`
	AutovacuumCount  int64      `json:"autovacuum_count"`
	AnalyzeCount     int64      `json:"analyze_count"`
	AutoanalyzeCount int64      `json:"autoanalyze_count"`
}

// TableStatFilter narrows and orders a table stats listing.
type TableStatFilter struct {
	Table   string // optional, ILIKE match
	OrderBy string // size, rows, dead_tuples, seq_scans or last_vacuum
}

// TableStats returns size and maintenance statistics for user tables.
func (in *Introspector) TableStats(ctx context.Context, f TableStatFilter) ([]TableStat, error) {
	orderClause := map[string]string{
		"size":        "pg_total_relation_size(c.oid) DESC",
		"rows":        "s.n_live_tup DESC",
		"dead_tuples": "s.n_dead_tup DESC",
		"seq_scans":   "s.seq_scan DESC",
		"last_vacuum": "s.last_vacuum DESC NULLS LAST",
	}[f.OrderBy]
	if orderClause == "" {
		orderClause = "pg_total_relation_size(c.oid) DESC"
	}

	tableFilter := ""
	args := []interface{}{in.schema}
	if f.Table != "" {
		tableFilter = "AND c.relname ILIKE $2"
		args = append(args, f.Table)
	}

	q := fmt.Sprintf(`
		SELECT
			c.relname,
			n.nspname,
			pg_size_pretty(pg_table_size(c.oid)),
			pg_size_pretty(pg_indexes_size(c.oid)),
			pg_size_pretty(pg_total_relation_size(c.oid)),
			pg_total_relation_size(c.oid),
			COALESCE(s.n_live_tup, 0),
			COALESCE(s.n_dead_tup, 0),
			CASE
				WHEN s.n_live_tup > 0
				THEN ROUND(100.0 * s.n_dead_tup / s.n_live_tup, 2)
				ELSE 0
			END,
			COALESCE(s.seq_scan, 0),
			COALESCE(s.seq_tup_read, 0),
			COALESCE(s.idx_scan, 0),
			CASE
				WHEN COALESCE(s.seq_scan, 0) + COALESCE(s.idx_scan, 0) > 0
				THEN ROUND(100.0 * COALESCE(s.idx_scan, 0) / (COALESCE(s.seq_scan, 0) + COALESCE(s.idx_scan, 0)), 2)
				ELSE 0
			END,
			s.last_vacuum,
			s.last_autovacuum,
			s.last_analyze,
			s.last_autoanalyze,
			COALESCE(s.vacuum_count, 0),
			COALESCE(s.autovacuum_count, 0),
			COALESCE(s.analyze_count, 0),
			COALESCE(s.autoanalyze_count, 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE c.relkind = 'r'
		  AND n.nspname = $1
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  %s
		ORDER BY %s`, tableFilter, orderClause)

	rows, err := in.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("table stats: %w", err)
	}
	defer rows.Close()

	var out []TableStat
	for rows.Next() {
		var (
			t                 TableStat
			lv, lav, lan, laa sql.NullTime
		)
		if err := rows.Scan(&t.Table, &t.Schema, &t.TableSize, &t.IndexesSize, &t.TotalSize,
			&t.TotalSizeBytes, &t.LiveTuples, &t.DeadTuples, &t.DeadTupleRatio,
			&t.SeqScans, &t.SeqTuplesRead, &t.IndexScans, &t.IndexScanRatio,
			&lv, &lav, &lan, &laa,
			&t.VacuumCount, &t.AutovacuumCount, &t.AnalyzeCount, &t.AutoanalyzeCount); err != nil {
			return nil, fmt.Errorf("scan table stats: %w", err)
		}
		t.LastVacuum = nullTimePtr(lv)
		t.LastAutovacuum = nullTimePtr(lav)
		t.LastAnalyze = nullTimePtr(lan)
		t.LastAutoanalyze = nullTimePtr(laa)
		out = append(out, t)
	}
	return out, rows.Err()
}

// IndexStat is one index's usage picture for a single table.
type IndexStat struct {
	Name          string `json:"index_name"`
	Scans         int64  `json:"scans"`
	TuplesRead    int64  `json:"tuples_read"`
	TuplesFetched int64  `json:"tuples_fetched"`
	Size          string `json:"size"`
	SizeBytes     int64  `json:"size_bytes"`
	Definition    string `json:"definition"`
}

// IndexStats returns per-index usage for one table.
func (in *Introspector) IndexStats(ctx context.Context, table string) ([]IndexStat, error) {
	const q = `
		SELECT
			i.indexrelname,
			i.idx_scan,
			i.idx_tup_read,
			i.idx_tup_fetch,
			pg_size_pretty(pg_relation_size(i.indexrelid)),
			pg_relation_size(i.indexrelid),
			pg_get_indexdef(i.indexrelid)
		FROM pg_stat_user_indexes i
		JOIN pg_class c ON c.oid = i.relid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
		ORDER BY i.idx_scan DESC`

	rows, err := in.db.QueryContext(ctx, q, in.schema, table)
	if err != nil {
		return nil, fmt.Errorf("index stats for %s: %w", table, err)
	}
	defer rows.Close()

	var out []IndexStat
	for rows.Next() {
		var s IndexStat
		if err := rows.Scan(&s.Name, &s.Scans, &s.TuplesRead, &s.TuplesFetched,
			&s.Size, &s.SizeBytes, &s.Definition); err != nil {
			return nil, fmt.Errorf("scan index stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnusedIndex is an index with zero scans since the last stats reset.
type UnusedIndex struct {
	Schema        string `json:"schemaname"`
	Table         string `json:"table_name"`
	Name          string `json:"index_name"`
	Scans         int64  `json:"scans"`
	TuplesRead    int64  `json:"tuples_read"`
	TuplesFetched int64  `json:"tuples_fetched"`
	Size          string `json:"size"`
	SizeBytes     int64  `json:"size_bytes"`
	Definition    string `json:"definition"`
	TableRows     int64  `json:"table_rows"`
}

// UnusedIndexes lists zero-scan non-primary-key indexes at or above the
// given size.
func (in *Introspector) UnusedIndexes(ctx context.Context, minSizeMB float64) ([]UnusedIndex, error) {
	const q = `
		SELECT
			s.schemaname,
			s.relname,
			s.indexrelname,
			s.idx_scan,
			s.idx_tup_read,
			s.idx_tup_fetch,
			pg_size_pretty(pg_relation_size(s.indexrelid)),
			pg_relation_size(s.indexrelid),
			pg_get_indexdef(s.indexrelid),
			t.n_live_tup
		FROM pg_stat_user_indexes s
		JOIN pg_stat_user_tables t ON s.relid = t.relid
		WHERE s.schemaname = $1
		  AND pg_relation_size(s.indexrelid) >= $2 * 1024 * 1024
		  AND s.idx_scan = 0
		  AND s.indexrelname NOT LIKE '%_pkey'
		ORDER BY pg_relation_size(s.indexrelid) DESC`

	rows, err := in.db.QueryContext(ctx, q, in.schema, minSizeMB)
	if err != nil {
		return nil, fmt.Errorf("unused indexes: %w", err)
	}
	defer rows.Close()

	var out []UnusedIndex
	for rows.Next() {
		var u UnusedIndex
		if err := rows.Scan(&u.Schema, &u.Table, &u.Name, &u.Scans, &u.TuplesRead,
			&u.TuplesFetched, &u.Size, &u.SizeBytes, &u.Definition, &u.TableRows); err != nil {
			return nil, fmt.Errorf("scan unused index: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// IndexOverlap pairs two indexes on the same table whose column lists are
// identical or where one is a prefix of the other.
type IndexOverlap struct {
	Table        string   `json:"table_name"`
	Index1       string   `json:"index1"`
	Columns1     []string `json:"columns1"`
	Definition1  string   `json:"definition1"`
	Size1        int64    `json:"size1"`
	Index2       string   `json:"index2"`
	Columns2     []string `json:"columns2"`
	Definition2  string   `json:"definition2"`
	Size2        int64    `json:"size2"`
	Relationship string   `json:"relationship"` // duplicate or overlapping
}

// OverlappingIndexes finds duplicate and prefix-overlapping index pairs.
func (in *Introspector) OverlappingIndexes(ctx context.Context) ([]IndexOverlap, error) {
	const q = `
		WITH index_cols AS (
			SELECT
				n.nspname as schema_name,
				t.relname as table_name,
				i.relname as index_name,
				pg_get_indexdef(i.oid) as definition,
				array_agg(a.attname ORDER BY k.n) as columns,
				pg_relation_size(i.oid) as size_bytes
			FROM pg_index x
			JOIN pg_class t ON t.oid = x.indrelid
			JOIN pg_class i ON i.oid = x.indexrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			CROSS JOIN unnest(x.indkey) WITH ORDINALITY AS k(attnum, n)
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
			WHERE n.nspname = $1
			GROUP BY n.nspname, t.relname, i.relname, i.oid
		)
		SELECT
			a.table_name,
			a.index_name, a.columns, a.definition, a.size_bytes,
			b.index_name, b.columns, b.definition, b.size_bytes,
			CASE
				WHEN a.columns = b.columns THEN 'duplicate'
				WHEN a.columns[1:array_length(b.columns, 1)] = b.columns THEN 'overlapping'
				ELSE 'related'
			END
		FROM index_cols a
		JOIN index_cols b ON a.table_name = b.table_name
			AND a.index_name < b.index_name
		WHERE a.columns = b.columns
		   OR a.columns[1:array_length(b.columns, 1)] = b.columns`

	rows, err := in.db.QueryContext(ctx, q, in.schema)
	if err != nil {
		return nil, fmt.Errorf("overlapping indexes: %w", err)
	}
	defer rows.Close()

	var out []IndexOverlap
	for rows.Next() {
		var (
			o            IndexOverlap
			cols1, cols2 pq.StringArray
		)
		if err := rows.Scan(&o.Table, &o.Index1, &cols1, &o.Definition1, &o.Size1,
			&o.Index2, &cols2, &o.Definition2, &o.Size2, &o.Relationship); err != nil {
			return nil, fmt.Errorf("scan overlapping index: %w", err)
		}
		o.Columns1 = []string(cols1)
		o.Columns2 = []string(cols2)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ExplainOptions selects EXPLAIN flags.
type ExplainOptions struct {
	Analyze  bool
	Buffers  bool
	Verbose  bool
	Settings bool
	Format   string // text, json, yaml or xml
}

// Explain runs EXPLAIN on a statement and returns the raw plan text.
// With Analyze the statement is actually executed.
func (in *Introspector) Explain(ctx context.Context, query string, opts ExplainOptions) (string, error) {
	var flags []string
	if opts.Analyze {
		flags = append(flags, "ANALYZE")
	}
	if opts.Buffers {
		flags = append(flags, "BUFFERS")
	}
	if opts.Verbose {
		flags = append(flags, "VERBOSE")
	}
	if opts.Settings {
		flags = append(flags, "SETTINGS")
	}
	format := strings.ToUpper(opts.Format)
	switch format {
	case "TEXT", "JSON", "YAML", "XML":
	default:
		format = "JSON"
	}
	flags = append(flags, "FORMAT "+format)

	explainSQL := fmt.Sprintf("EXPLAIN (%s) %s", strings.Join(flags, ", "), query)

	rows, err := in.db.QueryContext(ctx, explainSQL)
	if err != nil {
		return "", fmt.Errorf("explain: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", fmt.Errorf("scan plan: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (in *Introspector) hasExtension(ctx context.Context, name string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)`
	var ok bool
	if err := in.db.QueryRowContext(ctx, q, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("check extension %s: %w", name, err)
	}
	return ok, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
