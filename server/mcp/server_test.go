package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgscope/pgscope/pkg/advisor"
	"github.com/pgscope/pgscope/pkg/hypo"
	"github.com/pgscope/pgscope/pkg/logger"
	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/planhistory"
	"github.com/pgscope/pgscope/pkg/rewrite"
)

func makeCallToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	var arguments interface{}
	if args != nil {
		arguments = map[string]any(args)
	}
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: arguments,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	textContent, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return textContent.Text
}

// ordersProvider registers statistics for a large orders table with a
// selective user_id column.
func ordersProvider() *pgstats.MemoryProvider {
	p := pgstats.NewMemoryProvider()
	p.SetTableRowCount("orders", 1_000_000)
	p.SetColumnStats("orders",
		pgstats.ColumnStats{Table: "orders", Column: "user_id", DistinctCount: 50_000, AvgWidthBytes: 8},
		pgstats.ColumnStats{Table: "orders", Column: "status", DistinctCount: 5, AvgWidthBytes: 4},
	)
	return p
}

func setupTestDeps(t *testing.T) *ToolDeps {
	t.Helper()
	bridge := hypo.NewMemoryBridge()
	history, err := planhistory.Open("", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	return &ToolDeps{
		Bridge:   bridge,
		Advisor:  advisor.New(ordersProvider(), nil, nil),
		History:  history,
		Rewriter: rewrite.New(),
		Log:      logger.NoOp{},
	}
}

func TestHandleGetIndexRecommendations_WithQueries(t *testing.T) {
	deps := setupTestDeps(t)

	req := makeCallToolRequest(map[string]interface{}{
		"queries": []interface{}{"SELECT * FROM orders WHERE user_id = 42"},
	})
	result, err := deps.HandleGetIndexRecommendations(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "orders")
	assert.Contains(t, text, "user_id")
	assert.Contains(t, text, "CREATE INDEX")
}

func TestHandleGetIndexRecommendations_NoQueriesNoWorkload(t *testing.T) {
	deps := setupTestDeps(t)

	result, err := deps.HandleGetIndexRecommendations(context.Background(), makeCallToolRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no queries supplied")
}

type staticWorkload []pgstats.WorkloadQuery

func (w staticWorkload) WorkloadQueries(ctx context.Context, limit, minCalls int) ([]pgstats.WorkloadQuery, error) {
	return w, nil
}

func TestHandleGetIndexRecommendations_FallsBackToWorkload(t *testing.T) {
	deps := setupTestDeps(t)
	deps.Workload = staticWorkload{
		{SQL: "SELECT * FROM orders WHERE user_id = 7", Calls: 500},
	}

	result, err := deps.HandleGetIndexRecommendations(context.Background(), makeCallToolRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "user_id")
}

func TestHandleExplainWithIndexes(t *testing.T) {
	deps := setupTestDeps(t)
	bridge := deps.Bridge.(*hypo.MemoryBridge)
	bridge.CostFn = func(sql string, active []hypo.IndexSpec) float64 {
		if len(active) > 0 {
			return 50
		}
		return 1000
	}

	req := makeCallToolRequest(map[string]interface{}{
		"sql": "SELECT * FROM orders WHERE user_id = 42",
		"indexes": []interface{}{
			map[string]interface{}{"table": "orders", "columns": []interface{}{"user_id"}},
		},
	})
	result, err := deps.HandleExplainWithIndexes(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, `"cost_without_indexes": 1000`)
	assert.Contains(t, text, `"cost_with_indexes": 50`)
	assert.Contains(t, text, `"indexes_used": true`)
	assert.Contains(t, text, "CREATE INDEX")

	// The session is left clean.
	assert.Empty(t, bridge.ActiveSpecs())
}

func TestHandleExplainWithIndexes_MissingParams(t *testing.T) {
	deps := setupTestDeps(t)

	result, err := deps.HandleExplainWithIndexes(context.Background(), makeCallToolRequest(map[string]interface{}{
		"indexes": []interface{}{map[string]interface{}{"table": "t", "columns": []interface{}{"a"}}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = deps.HandleExplainWithIndexes(context.Background(), makeCallToolRequest(map[string]interface{}{
		"sql": "SELECT 1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "indexes parameter is required")
}

func TestHandleExplainWithIndexes_NoBridge(t *testing.T) {
	deps := setupTestDeps(t)
	deps.Bridge = nil

	result, err := deps.HandleExplainWithIndexes(context.Background(), makeCallToolRequest(map[string]interface{}{
		"sql":     "SELECT 1",
		"indexes": []interface{}{map[string]interface{}{"table": "t", "columns": []interface{}{"a"}}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "hypopg")
}

func TestHandleManageHypotheticalIndexes_Lifecycle(t *testing.T) {
	deps := setupTestDeps(t)
	ctx := context.Background()

	result, err := deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action":  "create",
		"table":   "orders",
		"columns": []interface{}{"user_id", "created_at"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "CREATE INDEX")

	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"count": 1`)

	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "reset",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"count": 0`)
}

func TestHandleManageHypotheticalIndexes_Check(t *testing.T) {
	deps := setupTestDeps(t)

	result, err := deps.HandleManageHypotheticalIndexes(context.Background(), makeCallToolRequest(map[string]interface{}{
		"action": "check",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"available": true`)

	deps.Bridge = nil
	result, err = deps.HandleManageHypotheticalIndexes(context.Background(), makeCallToolRequest(map[string]interface{}{
		"action": "check",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"available": false`)
	assert.Contains(t, resultText(t, result), "CREATE EXTENSION hypopg")
}

func TestHandleManageHypotheticalIndexes_Errors(t *testing.T) {
	deps := setupTestDeps(t)
	ctx := context.Background()

	result, err := deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "teleport",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown action")

	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "create",
		"table":  "orders",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "drop",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "oid parameter is required")

	deps.Bridge = nil
	result, err = deps.HandleManageHypotheticalIndexes(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

const testPlanJSON = `[{"Plan": {"Node Type": "Seq Scan", "Relation Name": "orders", "Total Cost": 18500.0, "Plan Rows": 50000}, "Planning Time": 0.2, "Execution Time": 250.5}]`

func TestHandleManageQueryPlanHistory(t *testing.T) {
	deps := setupTestDeps(t)
	ctx := context.Background()

	snap, err := deps.History.Record("SELECT * FROM orders WHERE user_id = 1", "before", testPlanJSON)
	require.NoError(t, err)

	result, err := deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), snap.QueryID)

	result, err = deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action":   "get",
		"query_id": snap.QueryID,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Seq Scan")

	time.Sleep(2 * time.Millisecond)
	_, err = deps.History.Record("SELECT * FROM orders WHERE user_id = 2", "after", testPlanJSON)
	require.NoError(t, err)

	result, err = deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action":   "compare",
		"query_id": snap.QueryID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "plan_changed")

	result, err = deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action":   "clear",
		"query_id": snap.QueryID,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"removed": 2`)
}

func TestHandleManageQueryPlanHistory_Errors(t *testing.T) {
	deps := setupTestDeps(t)
	ctx := context.Background()

	result, err := deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "record",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "sql parameter is required")

	result, err = deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action":   "get",
		"query_id": "0000000000000000",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	deps.History = nil
	result, err = deps.HandleManageQueryPlanHistory(ctx, makeCallToolRequest(map[string]interface{}{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not configured")
}

func TestHandleGetQueryRewriteSuggestions(t *testing.T) {
	deps := setupTestDeps(t)
	ctx := context.Background()

	result, err := deps.HandleGetQueryRewriteSuggestions(ctx, makeCallToolRequest(map[string]interface{}{
		"sql": "SELECT * FROM users WHERE name LIKE '%smith'",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "select_star")
	assert.Contains(t, text, "leading_wildcard")

	result, err = deps.HandleGetQueryRewriteSuggestions(ctx, makeCallToolRequest(map[string]interface{}{
		"sql": "THIS IS NOT SQL",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = deps.HandleGetQueryRewriteSuggestions(ctx, makeCallToolRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFindPlanIssues(t *testing.T) {
	plan := `[{"Plan": {
		"Node Type": "Hash Join",
		"Plan Rows": 100,
		"Actual Rows": 5000,
		"Hash Batches": 4,
		"Plans": [
			{"Node Type": "Seq Scan", "Relation Name": "orders", "Plan Rows": 50000},
			{"Node Type": "Sort", "Sort Method": "external merge", "Sort Space Used": 20480, "Plan Rows": 10}
		]
	}}]`

	issues, err := findPlanIssues(plan)
	require.NoError(t, err)

	var details []string
	for _, is := range issues {
		details = append(details, is.Detail)
	}
	joined := ""
	for _, d := range details {
		joined += d + "\n"
	}
	assert.Contains(t, joined, "sequential scan over orders")
	assert.Contains(t, joined, "estimated 100 rows but saw 5000")
	assert.Contains(t, joined, "4 batches")
	assert.Contains(t, joined, "spilled to disk")
}

func TestFindPlanIssuesCleanPlan(t *testing.T) {
	plan := `[{"Plan": {"Node Type": "Index Scan", "Plan Rows": 1, "Total Cost": 8.3}}]`
	issues, err := findPlanIssues(plan)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestFindPlanIssuesBadInput(t *testing.T) {
	_, err := findPlanIssues("not json")
	assert.Error(t, err)

	_, err = findPlanIssues("[]")
	assert.Error(t, err)
}

func TestTableAdvice(t *testing.T) {
	bloated := pgstats.TableStat{
		LiveTuples:     100_000,
		DeadTuples:     30_000,
		DeadTupleRatio: 0.3,
	}
	advice := tableAdvice(bloated)
	require.NotEmpty(t, advice)
	assert.Contains(t, advice[0], "VACUUM")

	scanned := pgstats.TableStat{
		LiveTuples:     100_000,
		SeqScans:       5000,
		IndexScanRatio: 0.1,
	}
	advice = tableAdvice(scanned)
	require.NotEmpty(t, advice)
	assert.Contains(t, advice[0], "missing an index")

	stale := time.Now().Add(-30 * 24 * time.Hour)
	old := pgstats.TableStat{LiveTuples: 10, LastAnalyze: &stale}
	advice = tableAdvice(old)
	require.NotEmpty(t, advice)
	assert.Contains(t, advice[0], "over a week old")

	never := pgstats.TableStat{LiveTuples: 10}
	advice = tableAdvice(never)
	require.NotEmpty(t, advice)
	assert.Contains(t, advice[0], "never analyzed")

	fresh := time.Now()
	healthy := pgstats.TableStat{LiveTuples: 10, LastAnalyze: &fresh}
	assert.Empty(t, tableAdvice(healthy))
}
