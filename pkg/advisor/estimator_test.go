package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/sqlparse"
)

func mustParse(t *testing.T, sql string) *sqlparse.ParsedQuery {
	t.Helper()
	q, err := sqlparse.New().Parse(sql)
	require.NoError(t, err)
	return q
}

func ordersStats() map[string]*TableStatistics {
	return map[string]*TableStatistics{
		"orders": {
			Rows: 1_000_000,
			Columns: map[string]pgstats.ColumnStats{
				"user_id":    {Table: "orders", Column: "user_id", DistinctCount: 50_000, AvgWidthBytes: 8},
				"status":     {Table: "orders", Column: "status", DistinctCount: 5, AvgWidthBytes: 4, MostCommonValues: []pgstats.ValueFrequency{{Value: "pending", Frequency: 0.6}}},
				"created_at": {Table: "orders", Column: "created_at", DistinctCount: 900_000, AvgWidthBytes: 8},
			},
		},
	}
}

func TestBaselineIsSequentialScan(t *testing.T) {
	est := NewEstimator(ordersStats())

	flat := est.Baseline(mustParse(t, "SELECT * FROM orders WHERE user_id = 1"))
	assert.Equal(t, float64(1_000_000), flat.Cost)
	assert.Equal(t, float64(1_000_000), flat.RowsExamined)
	assert.Equal(t, SourceAnalytical, flat.Source)

	sorted := est.Baseline(mustParse(t, "SELECT * FROM orders WHERE user_id = 1 ORDER BY created_at"))
	assert.Greater(t, sorted.Cost, flat.Cost, "an ORDER BY adds a sort on top of the scan")
}

func TestWithCandidateNeverExceedsBaseline(t *testing.T) {
	est := NewEstimator(ordersStats())
	queries := []string{
		"SELECT * FROM orders WHERE user_id = 42",
		"SELECT * FROM orders WHERE status = 'pending'",
		"SELECT * FROM orders WHERE created_at > '2026-01-01' ORDER BY created_at DESC",
		"SELECT * FROM orders WHERE user_id = 1 AND status = 'open' ORDER BY created_at",
	}
	candidates := []IndexCandidate{
		{Table: "orders", Columns: []string{"user_id"}},
		{Table: "orders", Columns: []string{"status"}},
		{Table: "orders", Columns: []string{"created_at"}},
		{Table: "orders", Columns: []string{"user_id", "status", "created_at"}},
	}
	for _, sql := range queries {
		q := mustParse(t, sql)
		baseline := est.Baseline(q)
		for _, cand := range candidates {
			with := est.WithCandidate(q, cand)
			assert.LessOrEqual(t, with.Cost, baseline.Cost, "%s under %s", sql, cand.Key())
		}
	}
}

func TestWithCandidateSelectiveEquality(t *testing.T) {
	est := NewEstimator(ordersStats())
	q := mustParse(t, "SELECT * FROM orders WHERE user_id = 42")

	baseline := est.Baseline(q)
	with := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"user_id"}})

	// 1-in-50000 selectivity: the index touches ~20 rows, not a million.
	assert.Less(t, with.Cost, baseline.Cost/1000)
	assert.Less(t, with.RowsExamined, float64(100))
}

func TestWithCandidateUsesCommonValueFrequency(t *testing.T) {
	est := NewEstimator(ordersStats())
	cand := IndexCandidate{Table: "orders", Columns: []string{"status"}}

	skewed := est.WithCandidate(mustParse(t, "SELECT * FROM orders WHERE status = 'pending'"), cand)
	rare := est.WithCandidate(mustParse(t, "SELECT * FROM orders WHERE status = 'shipped'"), cand)

	// 'pending' is 60% of the table; other values share (1-0)/5 each.
	assert.Greater(t, skewed.Cost, rare.Cost)
	assert.Greater(t, skewed.RowsExamined, rare.RowsExamined)
}

func TestWithCandidateUnrelatedIndexIsNeutral(t *testing.T) {
	est := NewEstimator(ordersStats())
	q := mustParse(t, "SELECT * FROM orders WHERE user_id = 42")

	baseline := est.Baseline(q)
	with := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"created_at"}})
	assert.Equal(t, baseline.Cost, with.Cost)

	other := est.WithCandidate(q, IndexCandidate{Table: "users", Columns: []string{"id"}})
	assert.Equal(t, baseline.Cost, other.Cost)
}

func TestWithCandidateSortCoverage(t *testing.T) {
	est := NewEstimator(ordersStats())
	q := mustParse(t, "SELECT * FROM orders WHERE user_id = 42 ORDER BY created_at")

	sorting := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"user_id"}})
	covered := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"user_id", "created_at"}})

	assert.Less(t, covered.Cost, sorting.Cost, "an index delivering the sort order skips the sort")
}

func TestWithCandidateCoveringSkipsHeapFetch(t *testing.T) {
	est := NewEstimator(ordersStats())
	q := mustParse(t, "SELECT * FROM orders WHERE user_id = 42 AND status = 'open'")

	partial := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"user_id"}})
	covering := est.WithCandidate(q, IndexCandidate{Table: "orders", Columns: []string{"user_id", "status"}})

	assert.Less(t, covering.Cost, partial.Cost)
}

func TestEstimateSizeAndBuildCost(t *testing.T) {
	est := NewEstimator(ordersStats())

	single := est.EstimateSize(IndexCandidate{Table: "orders", Columns: []string{"user_id"}})
	double := est.EstimateSize(IndexCandidate{Table: "orders", Columns: []string{"user_id", "created_at"}})
	assert.Greater(t, single, int64(0))
	assert.Greater(t, double, single, "wider keys make a bigger index")

	// (8 + 24) bytes per entry over a million rows at 90% fill.
	assert.InDelta(t, float64(1_000_000)*32/0.9, float64(single), 1)

	assert.Greater(t, est.EstimateBuildCost(IndexCandidate{Table: "orders", Columns: []string{"user_id"}}), 0.0)
	assert.Zero(t, est.EstimateSize(IndexCandidate{Table: "ghost", Columns: []string{"x"}}))
	assert.Zero(t, est.EstimateBuildCost(IndexCandidate{Table: "ghost", Columns: []string{"x"}}))
}

func TestSelectivityFloor(t *testing.T) {
	tables := map[string]*TableStatistics{
		"tiny": {
			Rows: 10,
			Columns: map[string]pgstats.ColumnStats{
				// Stale stats can report more distinct values than rows.
				"id": {Table: "tiny", Column: "id", DistinctCount: 1000, AvgWidthBytes: 8},
			},
		},
	}
	est := NewEstimator(tables)
	q := mustParse(t, "SELECT * FROM tiny WHERE id = 1")

	with := est.WithCandidate(q, IndexCandidate{Table: "tiny", Columns: []string{"id"}})
	assert.GreaterOrEqual(t, with.RowsExamined, float64(1), "matched rows never drop below one")
}

func TestBtreeLevels(t *testing.T) {
	assert.Equal(t, 1.0, btreeLevels(1))
	assert.Equal(t, 2.0, btreeLevels(100))
	assert.InDelta(t, 4.0, btreeLevels(1_000_000), 1)
	assert.LessOrEqual(t, btreeLevels(50_000), btreeLevels(1_000_000))
}
