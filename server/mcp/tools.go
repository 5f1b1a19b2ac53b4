package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pgscope/pgscope/pkg/advisor"
	"github.com/pgscope/pgscope/pkg/config"
	"github.com/pgscope/pgscope/pkg/hypo"
	"github.com/pgscope/pgscope/pkg/logger"
	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/planhistory"
	"github.com/pgscope/pgscope/pkg/rewrite"
)

// WorkloadSource feeds observed statements from pg_stat_statements into
// the advisor when the caller supplies no queries of their own.
type WorkloadSource interface {
	WorkloadQueries(ctx context.Context, limit, minCalls int) ([]pgstats.WorkloadQuery, error)
}

// ToolDeps holds shared dependencies for MCP tool handlers. Bridge,
// History, and Workload may be nil; the affected tools then degrade
// with an explanatory error or note.
type ToolDeps struct {
	Introspector *pgstats.Introspector
	Workload     WorkloadSource
	Bridge       hypo.Bridge
	Advisor      *advisor.Advisor
	History      *planhistory.Store
	Rewriter     *rewrite.Analyzer
	AdvisorCfg   config.AdvisorConfig
	Log          logger.Logger
}

func registerTools(srv *mcpserver.MCPServer, deps *ToolDeps) {
	if deps.Log == nil {
		deps.Log = logger.NoOp{}
	}

	srv.AddTool(mcp.NewTool("get_slow_queries",
		mcp.WithDescription("Find the slowest queries recorded by pg_stat_statements, ranked by total or mean execution time."),
		mcp.WithNumber("limit", mcp.Description("Number of queries to return (default 20)")),
		mcp.WithNumber("min_calls", mcp.Description("Only include queries called at least this many times")),
		mcp.WithNumber("min_mean_time_ms", mcp.Description("Only include queries with mean execution time above this many milliseconds")),
		mcp.WithString("order_by", mcp.Description("Ranking column: total_time, mean_time, calls, or rows (default total_time)")),
	), deps.HandleGetSlowQueries)

	srv.AddTool(mcp.NewTool("analyze_query",
		mcp.WithDescription("Run EXPLAIN on a statement, surface plan problems (sequential scans on large tables, misestimates, spilled sorts and hashes), and return the full plan."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("The statement to analyze")),
		mcp.WithBoolean("analyze", mcp.Description("Execute the statement for real timings (EXPLAIN ANALYZE); default false")),
		mcp.WithBoolean("buffers", mcp.Description("Include buffer usage, requires analyze; default false")),
	), deps.HandleAnalyzeQuery)

	srv.AddTool(mcp.NewTool("get_table_stats",
		mcp.WithDescription("Table-level statistics: sizes, row estimates, dead tuple ratios, scan patterns, and vacuum/analyze recency, with maintenance advice."),
		mcp.WithString("table", mcp.Description("Restrict to one table (optional)")),
		mcp.WithNumber("limit", mcp.Description("Number of tables to return (default 20)")),
	), deps.HandleGetTableStats)

	srv.AddTool(mcp.NewTool("get_index_recommendations",
		mcp.WithDescription("Recommend new indexes for a workload. Uses supplied queries, or the heaviest statements from pg_stat_statements when none are given. Recommendations are verified against the planner via hypopg when available."),
		mcp.WithArray("queries", mcp.Description("Statements to optimize (optional; defaults to the observed workload)")),
		mcp.WithNumber("max_recommendations", mcp.Description("Cap on the number of indexes returned")),
		mcp.WithNumber("size_budget_mb", mcp.Description("Combined size budget for recommended indexes, in megabytes")),
		mcp.WithNumber("min_improvement", mcp.Description("Minimum workload cost fraction an index must save (0-1)")),
		mcp.WithBoolean("skip_verify", mcp.Description("Skip hypopg planner verification; default false")),
	), deps.HandleGetIndexRecommendations)

	srv.AddTool(mcp.NewTool("explain_with_indexes",
		mcp.WithDescription("Compare a statement's planner cost with and without a set of hypothetical indexes, without building anything."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("The statement to plan")),
		mcp.WithArray("indexes", mcp.Required(), mcp.Description(`Hypothetical indexes as objects: {"table": "orders", "columns": ["user_id"], "method": "btree"}`)),
	), deps.HandleExplainWithIndexes)

	srv.AddTool(mcp.NewTool("manage_hypothetical_indexes",
		mcp.WithDescription("Create, list, drop, size, or reset hypothetical (hypopg) indexes in the session, or check whether hypopg is installed."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of: create, list, drop, reset, estimate_size, check")),
		mcp.WithString("table", mcp.Description("Table name (create, estimate_size)")),
		mcp.WithArray("columns", mcp.Description("Index columns in order (create, estimate_size)")),
		mcp.WithString("method", mcp.Description("Index method: btree, hash, gin, gist, brin (default btree)")),
		mcp.WithNumber("oid", mcp.Description("Hypothetical index OID (drop, estimate_size)")),
	), deps.HandleManageHypotheticalIndexes)

	srv.AddTool(mcp.NewTool("find_unused_indexes",
		mcp.WithDescription("Find indexes that have never been scanned, plus duplicate and overlapping index pairs, with DROP statements for review."),
		mcp.WithNumber("min_size_mb", mcp.Description("Ignore unused indexes smaller than this (default 1)")),
	), deps.HandleFindUnusedIndexes)

	srv.AddTool(mcp.NewTool("get_database_health",
		mcp.WithDescription("Database health snapshot: cache hit ratios, connection saturation, transaction ID age, checkpoint pressure, temp file spill, and deadlocks."),
	), deps.HandleGetDatabaseHealth)

	srv.AddTool(mcp.NewTool("get_active_queries",
		mcp.WithDescription("Currently executing statements from pg_stat_activity, with runtimes, states, and blocking PIDs."),
		mcp.WithNumber("min_duration_ms", mcp.Description("Only show statements running longer than this many milliseconds")),
	), deps.HandleGetActiveQueries)

	srv.AddTool(mcp.NewTool("get_wait_events",
		mcp.WithDescription("Aggregate what active backends are waiting on, grouped by wait event type and name."),
	), deps.HandleGetWaitEvents)

	srv.AddTool(mcp.NewTool("get_database_settings",
		mcp.WithDescription("Current values of the performance-relevant server settings (memory, WAL, autovacuum, planner costs)."),
	), deps.HandleGetDatabaseSettings)

	srv.AddTool(mcp.NewTool("manage_query_plan_history",
		mcp.WithDescription("Record query plan snapshots over time and compare them to catch plan regressions. Actions: record, list, get, compare, clear."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of: record, list, get, compare, clear")),
		mcp.WithString("sql", mcp.Description("Statement to snapshot (record)")),
		mcp.WithString("label", mcp.Description("Label for the snapshot, e.g. 'before index' (record)")),
		mcp.WithString("query_id", mcp.Description("Query identifier from list (get, compare, clear)")),
		mcp.WithString("before_label", mcp.Description("Snapshot label for the comparison baseline; empty means oldest (compare)")),
		mcp.WithString("after_label", mcp.Description("Snapshot label to compare against; empty means newest (compare)")),
		mcp.WithBoolean("analyze", mcp.Description("Capture real execution timings when recording; default false")),
	), deps.HandleManageQueryPlanHistory)

	srv.AddTool(mcp.NewTool("get_query_rewrite_suggestions",
		mcp.WithDescription("Static analysis of a statement for patterns that defeat indexes or inflate work: SELECT *, leading wildcards, functions over columns, NOT IN subqueries, OR chains, deep OFFSET pagination, and more."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("The statement to check")),
	), deps.HandleGetQueryRewriteSuggestions)
}

// jsonResult marshals v as an indented JSON text result.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// stringSliceArg reads an array argument of strings.
func stringSliceArg(request mcp.CallToolRequest, name string) []string {
	raw, ok := request.GetArguments()[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
