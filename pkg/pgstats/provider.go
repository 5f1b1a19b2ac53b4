package pgstats

import "context"

// ValueFrequency is one most-common-value entry from column statistics.
type ValueFrequency struct {
	Value     string  `json:"value"`
	Frequency float64 `json:"frequency"`
}

// ColumnStats describes the planner statistics for one column.
type ColumnStats struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	// DistinctCount is resolved to an absolute count; negative n_distinct
	// fractions from pg_stats are multiplied out against the row count.
	DistinctCount    int64            `json:"distinct_count"`
	NullFraction     float64          `json:"null_fraction"`
	AvgWidthBytes    int              `json:"avg_width_bytes"`
	MostCommonValues []ValueFrequency `json:"most_common_values,omitempty"`
}

// QueryStats summarizes observed executions of one query fingerprint.
type QueryStats struct {
	Fingerprint string  `json:"fingerprint"`
	Calls       int64   `json:"calls"`
	TotalTimeMs float64 `json:"total_time_ms"`
	MeanTimeMs  float64 `json:"mean_time_ms"`
}

// WorkloadQuery is one statement pulled from the observed workload.
type WorkloadQuery struct {
	SQL         string  `json:"sql"`
	Calls       int64   `json:"calls"`
	MeanTimeMs  float64 `json:"mean_time_ms"`
	TotalTimeMs float64 `json:"total_time_ms"`
}

// ExistingIndex describes an index already present on a table.
type ExistingIndex struct {
	Table      string   `json:"table"`
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	Unique     bool     `json:"unique"`
	SizeBytes  int64    `json:"size_bytes"`
	Definition string   `json:"definition"`
	Scans      int64    `json:"scans"`
}

// Provider supplies the statistics the index advisor reasons over.
// Implementations must be safe for concurrent reads.
type Provider interface {
	// ColumnStats returns per-column statistics for a table, or
	// *ErrStatsUnavailable when the table has none.
	ColumnStats(ctx context.Context, table string) ([]ColumnStats, error)
	// TableRowCount returns the estimated row count.
	TableRowCount(ctx context.Context, table string) (int64, error)
	// ExistingIndexes lists the table's current indexes.
	ExistingIndexes(ctx context.Context, table string) ([]ExistingIndex, error)
	// QueryStats returns observed execution stats for a fingerprint, or
	// nil when the fingerprint has not been seen.
	QueryStats(ctx context.Context, fingerprint string) (*QueryStats, error)
}
