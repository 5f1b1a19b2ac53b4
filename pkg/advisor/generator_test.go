package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgscope/pgscope/pkg/pgstats"
)

func candidateKeys(cands []IndexCandidate) []string {
	keys := make([]string, 0, len(cands))
	for _, c := range cands {
		keys = append(keys, c.Key())
	}
	return keys
}

func findCandidate(cands []IndexCandidate, table string, cols ...string) (IndexCandidate, bool) {
	want := IndexCandidate{Table: table, Columns: cols, Method: "btree"}
	for _, c := range cands {
		if c.Key() == want.Key() {
			return c, true
		}
	}
	return IndexCandidate{}, false
}

func TestGenerateSingleAndCompositeCandidates(t *testing.T) {
	est := NewEstimator(ordersStats())
	gen := NewGenerator(est, nil, 3, 0)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders WHERE status = 'open' AND created_at > '2026-01-01' ORDER BY user_id"),
		Calls: 1,
	}}
	cands := gen.Generate(items)

	_, ok := findCandidate(cands, "orders", "status")
	assert.True(t, ok, "single equality column")
	_, ok = findCandidate(cands, "orders", "created_at")
	assert.True(t, ok, "single range column")
	_, ok = findCandidate(cands, "orders", "user_id")
	assert.True(t, ok, "single sort column")
	_, ok = findCandidate(cands, "orders", "status", "created_at")
	assert.True(t, ok, "equality before range in a composite")
	_, ok = findCandidate(cands, "orders", "status", "user_id")
	assert.True(t, ok, "equality before sort in a composite")
	_, ok = findCandidate(cands, "orders", "created_at", "status")
	assert.False(t, ok, "range never leads when an equality column exists")

	for _, c := range cands {
		assert.Greater(t, c.EstimatedSizeBytes, int64(0), c.Key())
		assert.GreaterOrEqual(t, c.EstimatedBuildCost, 0.0, c.Key())
	}
}

func TestGenerateOrdersEqualityBySelectivity(t *testing.T) {
	est := NewEstimator(ordersStats())
	gen := NewGenerator(est, nil, 3, 0)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders WHERE status = 'open' AND user_id = 7"),
		Calls: 1,
	}}
	cands := gen.Generate(items)

	// user_id (50k distinct) leads status (5 distinct).
	_, ok := findCandidate(cands, "orders", "user_id", "status")
	assert.True(t, ok)
	_, ok = findCandidate(cands, "orders", "status", "user_id")
	assert.False(t, ok)
}

func TestGenerateSkipsExistingPrefix(t *testing.T) {
	est := NewEstimator(ordersStats())
	existing := map[string][]pgstats.ExistingIndex{
		"orders": {{Table: "orders", Name: "orders_user_id_idx", Columns: []string{"user_id", "status"}}},
	}
	gen := NewGenerator(est, existing, 3, 0)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders WHERE user_id = 7 AND status = 'open'"),
		Calls: 1,
	}}
	cands := gen.Generate(items)

	_, ok := findCandidate(cands, "orders", "user_id")
	assert.False(t, ok, "existing (user_id, status) already serves user_id lookups")
	_, ok = findCandidate(cands, "orders", "user_id", "status")
	assert.False(t, ok)
	_, ok = findCandidate(cands, "orders", "status")
	assert.True(t, ok, "status alone is not a prefix of the existing index")
}

func TestGenerateRespectsColumnCap(t *testing.T) {
	est := NewEstimator(ordersStats())
	gen := NewGenerator(est, nil, 2, 0)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders WHERE user_id = 7 AND status = 'open' AND created_at > '2026-01-01'"),
		Calls: 1,
	}}
	for _, c := range gen.Generate(items) {
		assert.LessOrEqual(t, len(c.Columns), 2, c.Key())
	}
}

func TestGenerateRespectsSizeCeiling(t *testing.T) {
	est := NewEstimator(ordersStats())
	gen := NewGenerator(est, nil, 3, 1024)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders WHERE user_id = 7"),
		Calls: 1,
	}}
	assert.Empty(t, gen.Generate(items), "a million-row index cannot fit a 1 KiB ceiling")
}

func TestGenerateDeterministicOrder(t *testing.T) {
	est := NewEstimator(ordersStats())
	gen := NewGenerator(est, nil, 3, 0)

	items := []WorkloadItem{
		{Query: mustParse(t, "SELECT * FROM orders WHERE user_id = 7 ORDER BY created_at"), Calls: 1},
		{Query: mustParse(t, "SELECT * FROM orders WHERE status = 'open'"), Calls: 1},
	}
	first := candidateKeys(gen.Generate(items))
	second := candidateKeys(gen.Generate([]WorkloadItem{items[1], items[0]}))

	require.ElementsMatch(t, first, second)
	assert.IsIncreasing(t, first)
}

func TestGenerateJoinKeysBecomeCandidates(t *testing.T) {
	tables := ordersStats()
	tables["users"] = &TableStatistics{
		Rows: 100_000,
		Columns: map[string]pgstats.ColumnStats{
			"id": {Table: "users", Column: "id", DistinctCount: 100_000, AvgWidthBytes: 8},
		},
	}
	est := NewEstimator(tables)
	gen := NewGenerator(est, nil, 3, 0)

	items := []WorkloadItem{{
		Query: mustParse(t, "SELECT * FROM orders o JOIN users u ON o.user_id = u.id WHERE u.id = 5"),
		Calls: 1,
	}}
	cands := gen.Generate(items)

	_, ok := findCandidate(cands, "orders", "user_id")
	assert.True(t, ok, "join key on the outer side")
	_, ok = findCandidate(cands, "users", "id")
	assert.True(t, ok, "join key on the inner side")
}
