package advisor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgscope/pgscope/pkg/hypo"
	"github.com/pgscope/pgscope/pkg/pgstats"
)

func ordersProvider() *pgstats.MemoryProvider {
	p := pgstats.NewMemoryProvider()
	p.SetTableRowCount("orders", 1_000_000)
	p.SetColumnStats("orders",
		pgstats.ColumnStats{Table: "orders", Column: "user_id", DistinctCount: 50_000, AvgWidthBytes: 8},
		pgstats.ColumnStats{Table: "orders", Column: "status", DistinctCount: 5, AvgWidthBytes: 4},
		pgstats.ColumnStats{Table: "orders", Column: "created_at", DistinctCount: 900_000, AvgWidthBytes: 8},
	)
	return p
}

func hasNote(report *Report, substr string) bool {
	for _, n := range report.Notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestAnalyzeWorkloadSelectiveEquality(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, report.Recommendations, 1)

	rec := report.Recommendations[0]
	assert.Equal(t, "orders", rec.Candidate.Table)
	assert.Equal(t, []string{"user_id"}, rec.Candidate.Columns)
	assert.Greater(t, rec.Improvement, 0.9, "index on a 1-in-50000 predicate should nearly eliminate the scan")
	assert.Greater(t, rec.Candidate.EstimatedSizeBytes, int64(0))
	assert.Contains(t, rec.CreateStatement, "orders")
	assert.Contains(t, rec.CreateStatement, "user_id")
	require.Len(t, rec.Fingerprints, 1)

	assert.False(t, rec.Verified)
	assert.False(t, report.Verified)
	assert.True(t, hasNote(report, "verification was not performed"))
	assert.NotEmpty(t, report.RunID)
}

func TestAnalyzeWorkloadParameterizedQueries(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	// pg_stat_statements hands back parameterized text, not literals.
	for _, sql := range []string{
		"SELECT * FROM orders WHERE user_id = ?",
		"SELECT * FROM orders WHERE user_id = $1",
	} {
		report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
			{SQL: sql, Calls: 1000},
		}, Options{})
		require.NoError(t, err)
		require.Len(t, report.Recommendations, 1, sql)

		rec := report.Recommendations[0]
		assert.Equal(t, "orders", rec.Candidate.Table)
		assert.Equal(t, []string{"user_id"}, rec.Candidate.Columns)
		assert.Greater(t, rec.Improvement, 0.9)
	}
}

func TestAnalyzeQueriesUnparsableSkipped(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	report, err := a.AnalyzeQueries(context.Background(), []string{
		"DELETE FROM orders WHERE user_id = 1",
		"SELECT * FROM orders WHERE user_id = 42",
	}, Options{})
	require.NoError(t, err)

	require.Len(t, report.Recommendations, 1)
	assert.True(t, hasNote(report, "skipped unparsable"))
	assert.False(t, report.Incomplete)
}

func TestAnalyzeWorkloadEmpty(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	report, err := a.AnalyzeWorkload(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Recommendations)
	assert.True(t, hasNote(report, "no analyzable queries"))
}

func TestAnalyzeWorkloadMissingStatistics(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM ghost WHERE id = 1", Calls: 10},
	}, Options{})
	require.NoError(t, err)

	assert.Empty(t, report.Recommendations)
	assert.True(t, hasNote(report, "ghost"))
}

func TestAnalyzeWorkloadSizeBudget(t *testing.T) {
	a := New(ordersProvider(), nil, nil)
	workload := []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}

	// A few KiB cannot hold an index over a million 8-byte keys.
	report, err := a.AnalyzeWorkload(context.Background(), workload, Options{SizeBudgetBytes: 4096})
	require.NoError(t, err)
	assert.Empty(t, report.Recommendations)

	report, err = a.AnalyzeWorkload(context.Background(), workload, Options{SizeBudgetBytes: 256 << 20})
	require.NoError(t, err)
	assert.Len(t, report.Recommendations, 1)
}

func TestAnalyzeWorkloadBudgetMonotonic(t *testing.T) {
	p := ordersProvider()
	p.SetTableRowCount("events", 2_000_000)
	p.SetColumnStats("events",
		pgstats.ColumnStats{Table: "events", Column: "device_id", DistinctCount: 100_000, AvgWidthBytes: 8},
	)
	a := New(p, nil, nil)
	workload := []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
		{SQL: "SELECT * FROM events WHERE device_id = 7", Calls: 100},
	}

	// ~36 MiB fits the orders index but not the events one.
	small, err := a.AnalyzeWorkload(context.Background(), workload, Options{SizeBudgetBytes: 40 << 20})
	require.NoError(t, err)
	large, err := a.AnalyzeWorkload(context.Background(), workload, Options{SizeBudgetBytes: 1 << 30})
	require.NoError(t, err)

	require.Len(t, small.Recommendations, 1)
	require.Len(t, large.Recommendations, 2)

	largeKeys := make(map[string]bool)
	for _, r := range large.Recommendations {
		largeKeys[r.Candidate.Key()] = true
	}
	assert.True(t, largeKeys[small.Recommendations[0].Candidate.Key()],
		"growing the budget must not evict a previously selected index")
}

func TestAnalyzeWorkloadVerifiesWithBridge(t *testing.T) {
	bridge := hypo.NewMemoryBridge()
	bridge.CostFn = func(sql string, active []hypo.IndexSpec) float64 {
		for _, spec := range active {
			if spec.Table == "orders" {
				return 50
			}
		}
		return 1000
	}
	spec := hypo.IndexSpec{Table: "orders", Columns: []string{"user_id"}}
	bridge.SizeBytes[spec.Key()] = 123_456

	a := New(ordersProvider(), bridge, nil)
	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, report.Recommendations, 1)

	rec := report.Recommendations[0]
	assert.True(t, rec.Verified)
	assert.True(t, report.Verified)
	assert.InDelta(t, 0.95, rec.Improvement, 1e-9)
	assert.InDelta(t, 95.0, rec.ImprovementPercent, 1e-6)
	assert.Equal(t, int64(123_456), rec.Candidate.EstimatedSizeBytes)

	assert.Empty(t, bridge.ActiveSpecs(), "run must leave no hypothetical indexes behind")
}

func TestAnalyzeWorkloadDropsUnhelpfulVerified(t *testing.T) {
	// The planner never picks the hypothetical index: same cost with or
	// without it. The analytical estimate alone must not survive.
	bridge := hypo.NewMemoryBridge()
	bridge.CostFn = func(string, []hypo.IndexSpec) float64 { return 1000 }

	a := New(ordersProvider(), bridge, nil)
	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}, Options{})
	require.NoError(t, err)

	assert.Empty(t, report.Recommendations)
	assert.True(t, hasNote(report, "no improvement"))
	assert.Empty(t, bridge.ActiveSpecs())
}

func TestAnalyzeWorkloadBridgeUnavailable(t *testing.T) {
	bridge := hypo.NewMemoryBridge()
	bridge.Unavailable = true

	a := New(ordersProvider(), bridge, nil)
	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, report.Recommendations, 1)
	assert.False(t, report.Recommendations[0].Verified)
	assert.False(t, report.Verified)
	assert.True(t, hasNote(report, "verification unavailable"))
}

func TestAnalyzeWorkloadSkipVerify(t *testing.T) {
	bridge := hypo.NewMemoryBridge()
	bridge.CostFn = func(string, []hypo.IndexSpec) float64 { return 1000 }

	a := New(ordersProvider(), bridge, nil)
	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 42", Calls: 100},
	}, Options{SkipVerify: true})
	require.NoError(t, err)

	require.Len(t, report.Recommendations, 1)
	assert.False(t, report.Recommendations[0].Verified)
}

func TestAnalyzeWorkloadDeterministic(t *testing.T) {
	workload := []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 5 AND status = 'open' ORDER BY created_at", Calls: 50},
		{SQL: "SELECT * FROM orders WHERE created_at > '2026-01-01'", Calls: 20},
	}
	a := New(ordersProvider(), nil, nil)

	first, err := a.AnalyzeWorkload(context.Background(), workload, Options{})
	require.NoError(t, err)
	second, err := a.AnalyzeWorkload(context.Background(), workload, Options{})
	require.NoError(t, err)

	require.Equal(t, len(first.Recommendations), len(second.Recommendations))
	for i := range first.Recommendations {
		assert.Equal(t, first.Recommendations[i].Candidate.Key(), second.Recommendations[i].Candidate.Key())
		assert.Equal(t, first.Recommendations[i].Fingerprints, second.Recommendations[i].Fingerprints)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestAnalyzeWorkloadFoldsByFingerprint(t *testing.T) {
	a := New(ordersProvider(), nil, nil)

	// Same shape, different literals: one fingerprint, calls summed.
	report, err := a.AnalyzeWorkload(context.Background(), []pgstats.WorkloadQuery{
		{SQL: "SELECT * FROM orders WHERE user_id = 1", Calls: 30},
		{SQL: "SELECT * FROM orders WHERE user_id = 2", Calls: 70},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, report.Recommendations, 1)
	assert.Len(t, report.Recommendations[0].Fingerprints, 1)
}
