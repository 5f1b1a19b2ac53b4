package pgstats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgscope/pgscope/pkg/sqlparse"
)

// PostgresProvider reads planner statistics from the system catalogs.
type PostgresProvider struct {
	db     *sql.DB
	schema string
}

// NewPostgresProvider creates a provider reading from the given schema
// ("public" when empty).
func NewPostgresProvider(db *sql.DB, schema string) *PostgresProvider {
	if schema == "" {
		schema = "public"
	}
	return &PostgresProvider{db: db, schema: schema}
}

// TableRowCount returns the planner's row estimate from pg_class.
func (p *PostgresProvider) TableRowCount(ctx context.Context, table string) (int64, error) {
	const q = `
		SELECT c.reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind = 'r'`

	var rows int64
	err := p.db.QueryRowContext(ctx, q, p.schema, table).Scan(&rows)
	if err == sql.ErrNoRows {
		return 0, NewErrStatsUnavailable(table, "table not found in pg_class")
	}
	if err != nil {
		return 0, fmt.Errorf("row count for %s: %w", table, err)
	}
	if rows < 0 {
		// reltuples is -1 for never-analyzed tables.
		return 0, NewErrStatsUnavailable(table, "table has never been analyzed")
	}
	return rows, nil
}

// ColumnStats reads pg_stats for a table. Negative n_distinct values are
// resolved to absolute counts against the current row estimate.
func (p *PostgresProvider) ColumnStats(ctx context.Context, table string) ([]ColumnStats, error) {
	rowCount, err := p.TableRowCount(ctx, table)
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT attname, n_distinct, null_frac, avg_width,
		       COALESCE(most_common_vals::text, ''),
		       COALESCE(most_common_freqs, '{}')
		FROM pg_stats
		WHERE schemaname = $1 AND tablename = $2`

	rows, err := p.db.QueryContext(ctx, q, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("column stats for %s: %w", table, err)
	}
	defer rows.Close()

	var out []ColumnStats
	for rows.Next() {
		var (
			col       string
			nDistinct float64
			nullFrac  float64
			avgWidth  int
			mcvText   string
			mcfArr    pq.Float64Array
		)
		if err := rows.Scan(&col, &nDistinct, &nullFrac, &avgWidth, &mcvText, &mcfArr); err != nil {
			return nil, fmt.Errorf("scan column stats for %s: %w", table, err)
		}

		cs := ColumnStats{
			Table:         table,
			Column:        col,
			NullFraction:  nullFrac,
			AvgWidthBytes: avgWidth,
		}
		if nDistinct < 0 {
			cs.DistinctCount = int64(-nDistinct * float64(rowCount))
		} else {
			cs.DistinctCount = int64(nDistinct)
		}
		if cs.DistinctCount < 1 {
			cs.DistinctCount = 1
		}

		vals := parseTextArray(mcvText)
		for i, v := range vals {
			if i >= len(mcfArr) {
				break
			}
			cs.MostCommonValues = append(cs.MostCommonValues, ValueFrequency{
				Value:     v,
				Frequency: mcfArr[i],
			})
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, NewErrStatsUnavailable(table, "no rows in pg_stats (run ANALYZE)")
	}
	return out, nil
}

// ExistingIndexes lists a table's indexes with their column order, size
// and observed scan counts.
func (p *PostgresProvider) ExistingIndexes(ctx context.Context, table string) ([]ExistingIndex, error) {
	const q = `
		SELECT i.relname,
		       x.indisunique,
		       pg_relation_size(i.oid),
		       pg_get_indexdef(i.oid),
		       COALESCE(s.idx_scan, 0),
		       array_agg(a.attname ORDER BY k.n)
		FROM pg_index x
		JOIN pg_class t ON t.oid = x.indrelid
		JOIN pg_class i ON i.oid = x.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		LEFT JOIN pg_stat_user_indexes s ON s.indexrelid = i.oid
		CROSS JOIN LATERAL unnest(x.indkey) WITH ORDINALITY AS k(attnum, n)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND t.relname = $2
		GROUP BY i.relname, x.indisunique, i.oid, s.idx_scan`

	rows, err := p.db.QueryContext(ctx, q, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("existing indexes for %s: %w", table, err)
	}
	defer rows.Close()

	var out []ExistingIndex
	for rows.Next() {
		var (
			idx  ExistingIndex
			cols pq.StringArray
		)
		idx.Table = table
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.SizeBytes, &idx.Definition, &idx.Scans, &cols); err != nil {
			return nil, fmt.Errorf("scan index for %s: %w", table, err)
		}
		idx.Columns = []string(cols)
		out = append(out, idx)
	}
	return out, rows.Err()
}

// QueryStats finds the pg_stat_statements entry whose normalized text
// matches the given fingerprint. Returns nil when unseen.
func (p *PostgresProvider) QueryStats(ctx context.Context, fingerprint string) (*QueryStats, error) {
	queries, err := p.WorkloadQueries(ctx, 500, 1)
	if err != nil {
		return nil, err
	}
	for _, wq := range queries {
		if sqlparse.Fingerprint(wq.SQL) == fingerprint {
			return &QueryStats{
				Fingerprint: fingerprint,
				Calls:       wq.Calls,
				TotalTimeMs: wq.TotalTimeMs,
				MeanTimeMs:  wq.MeanTimeMs,
			}, nil
		}
	}
	return nil, nil
}

// HasExtension reports whether an extension is installed.
func (p *PostgresProvider) HasExtension(ctx context.Context, name string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)`
	var ok bool
	if err := p.db.QueryRowContext(ctx, q, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("check extension %s: %w", name, err)
	}
	return ok, nil
}

// WorkloadQueries pulls recent application statements from
// pg_stat_statements, heaviest total time first. System catalog traffic
// is excluded.
func (p *PostgresProvider) WorkloadQueries(ctx context.Context, limit, minCalls int) ([]WorkloadQuery, error) {
	ok, err := p.HasExtension(ctx, "pg_stat_statements")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewErrExtensionMissing("pg_stat_statements")
	}

	if limit <= 0 {
		limit = 50
	}
	if minCalls <= 0 {
		minCalls = 1
	}

	const q = `
		SELECT query, calls, mean_exec_time, total_exec_time
		FROM pg_stat_statements
		WHERE calls >= $1
		  AND query NOT LIKE '%pg_stat_statements%'
		  AND query NOT LIKE '%pg_catalog%'
		  AND query NOT LIKE '%information_schema%'
		  AND query NOT LIKE '%pg_toast%'
		ORDER BY total_exec_time DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, q, minCalls, limit)
	if err != nil {
		return nil, fmt.Errorf("workload queries: %w", err)
	}
	defer rows.Close()

	var out []WorkloadQuery
	for rows.Next() {
		var wq WorkloadQuery
		if err := rows.Scan(&wq.SQL, &wq.Calls, &wq.MeanTimeMs, &wq.TotalTimeMs); err != nil {
			return nil, fmt.Errorf("scan workload query: %w", err)
		}
		out = append(out, wq)
	}
	return out, rows.Err()
}

// parseTextArray splits the text form of a Postgres array literal, e.g.
// `{a,"b,c",d}`. most_common_vals is anyarray and can only be read as
// text.
func parseTextArray(s string) []string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil
	}

	var (
		out      []string
		cur      strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(body):
			i++
			cur.WriteByte(body[i])
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}
