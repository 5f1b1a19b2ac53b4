package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pgscope/pgscope/pkg/pgstats"
)

// HandleGetSlowQueries reads pg_stat_statements.
func (d *ToolDeps) HandleGetSlowQueries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := pgstats.SlowQueryFilter{
		Limit:         request.GetInt("limit", 20),
		MinCalls:      request.GetInt("min_calls", 0),
		MinMeanTimeMs: request.GetFloat("min_mean_time_ms", 0),
		OrderBy:       request.GetString("order_by", "total_time"),
	}

	queries, err := d.Introspector.SlowQueries(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("slow queries: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"count":   len(queries),
		"queries": queries,
	})
}

// PlanIssue is one problem spotted in an execution plan.
type PlanIssue struct {
	Severity   string `json:"severity"`
	Node       string `json:"node"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion"`
}

// HandleAnalyzeQuery explains a statement and flags plan problems.
func (d *ToolDeps) HandleAnalyzeQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sql := request.GetString("sql", "")
	if sql == "" {
		return mcp.NewToolResultError("sql parameter is required"), nil
	}

	opts := pgstats.ExplainOptions{
		Analyze: request.GetBool("analyze", false),
		Buffers: request.GetBool("buffers", false),
		Format:  "json",
	}
	planJSON, err := d.Introspector.Explain(ctx, sql, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("explain: %v", err)), nil
	}

	issues, planErr := findPlanIssues(planJSON)
	result := map[string]interface{}{
		"issues": issues,
	}
	if planErr == nil {
		var plan json.RawMessage = []byte(planJSON)
		result["plan"] = plan
	} else {
		result["plan_text"] = planJSON
	}
	return jsonResult(result)
}

// findPlanIssues walks an EXPLAIN (FORMAT JSON) document and applies
// the plan heuristics: large sequential scans, row misestimates,
// spilled hashes and sorts, and heavy nested loops.
func findPlanIssues(planJSON string) ([]PlanIssue, error) {
	var doc []struct {
		Plan map[string]interface{} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(planJSON), &doc); err != nil {
		return nil, err
	}
	if len(doc) == 0 || doc[0].Plan == nil {
		return nil, fmt.Errorf("no plan node")
	}

	issues := []PlanIssue{}
	var visit func(node map[string]interface{})
	visit = func(node map[string]interface{}) {
		nodeType, _ := node["Node Type"].(string)
		planRows := numberField(node, "Plan Rows")
		actualRows, hasActual := numberFieldOk(node, "Actual Rows")

		rows := planRows
		if hasActual {
			rows = actualRows
		}

		if nodeType == "Seq Scan" && rows > 10000 {
			rel, _ := node["Relation Name"].(string)
			issues = append(issues, PlanIssue{
				Severity:   "warning",
				Node:       nodeType,
				Detail:     fmt.Sprintf("sequential scan over %s touches about %.0f rows", rel, rows),
				Suggestion: "Check whether an index on the filter columns would serve this scan.",
			})
		}

		if hasActual && planRows > 0 && actualRows > 0 {
			ratio := actualRows / planRows
			if ratio > 10 || ratio < 0.1 {
				issues = append(issues, PlanIssue{
					Severity:   "warning",
					Node:       nodeType,
					Detail:     fmt.Sprintf("planner estimated %.0f rows but saw %.0f", planRows, actualRows),
					Suggestion: "Statistics are stale or correlated; run ANALYZE, or raise the statistics target for the filtered columns.",
				})
			}
		}

		if batches := numberField(node, "Hash Batches"); batches > 1 {
			issues = append(issues, PlanIssue{
				Severity:   "warning",
				Node:       nodeType,
				Detail:     fmt.Sprintf("hash split into %.0f batches, spilling to disk", batches),
				Suggestion: "Increase work_mem for this query, or reduce the hashed input with earlier filtering.",
			})
		}

		if method, _ := node["Sort Method"].(string); method == "external merge" || method == "external sort" {
			issues = append(issues, PlanIssue{
				Severity:   "warning",
				Node:       nodeType,
				Detail:     fmt.Sprintf("sort spilled to disk (%s, %.0f kB)", method, numberField(node, "Sort Space Used")),
				Suggestion: "Increase work_mem, or add an index that delivers the needed order.",
			})
		}

		if nodeType == "Nested Loop" {
			loops := numberField(node, "Actual Loops")
			if loops == 0 {
				loops = 1
			}
			if rows*loops > 1000 {
				issues = append(issues, PlanIssue{
					Severity:   "notice",
					Node:       nodeType,
					Detail:     fmt.Sprintf("nested loop produces about %.0f row visits", rows*loops),
					Suggestion: "Verify the inner side is indexed on the join key; otherwise a hash or merge join may be cheaper.",
				})
			}
		}

		if children, ok := node["Plans"].([]interface{}); ok {
			for _, c := range children {
				if child, ok := c.(map[string]interface{}); ok {
					visit(child)
				}
			}
		}
	}
	visit(doc[0].Plan)
	return issues, nil
}

func numberField(node map[string]interface{}, key string) float64 {
	v, _ := node[key].(float64)
	return v
}

func numberFieldOk(node map[string]interface{}, key string) (float64, bool) {
	v, ok := node[key].(float64)
	return v, ok
}

// HandleGetTableStats reports per-table statistics plus maintenance
// advice derived from them.
func (d *ToolDeps) HandleGetTableStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := d.Introspector.TableStats(ctx, pgstats.TableStatFilter{
		Table: request.GetString("table", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("table stats: %v", err)), nil
	}

	limit := request.GetInt("limit", 20)
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}

	type tableWithAdvice struct {
		pgstats.TableStat
		Advice []string `json:"advice,omitempty"`
	}
	out := make([]tableWithAdvice, 0, len(stats))
	for _, st := range stats {
		out = append(out, tableWithAdvice{TableStat: st, Advice: tableAdvice(st)})
	}
	return jsonResult(map[string]interface{}{
		"count":  len(out),
		"tables": out,
	})
}

func tableAdvice(st pgstats.TableStat) []string {
	var advice []string
	if st.DeadTupleRatio > 0.2 && st.DeadTuples > 1000 {
		advice = append(advice, fmt.Sprintf("%.0f%% dead tuples; VACUUM (or tune autovacuum) to reclaim space", st.DeadTupleRatio*100))
	}
	if st.SeqScans > 100 && st.IndexScanRatio < 0.5 && st.LiveTuples > 10000 {
		advice = append(advice, "mostly sequential scans on a large table; the workload may be missing an index")
	}
	if st.LastAnalyze == nil && st.LastAutoanalyze == nil && st.LiveTuples > 0 {
		advice = append(advice, "never analyzed; planner statistics are defaults until ANALYZE runs")
	} else {
		last := st.LastAnalyze
		if st.LastAutoanalyze != nil && (last == nil || st.LastAutoanalyze.After(*last)) {
			last = st.LastAutoanalyze
		}
		if last != nil && time.Since(*last) > 7*24*time.Hour {
			advice = append(advice, "statistics are over a week old; consider ANALYZE")
		}
	}
	return advice
}

// HandleGetDatabaseHealth reports the aggregate health snapshot.
func (d *ToolDeps) HandleGetDatabaseHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := d.Introspector.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("health: %v", err)), nil
	}
	return jsonResult(report)
}

// HandleGetActiveQueries lists running statements.
func (d *ToolDeps) HandleGetActiveQueries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	minDuration := time.Duration(request.GetFloat("min_duration_ms", 0) * float64(time.Millisecond))
	active, err := d.Introspector.ActiveQueries(ctx, minDuration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("active queries: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"count":   len(active),
		"queries": active,
	})
}

// HandleGetWaitEvents aggregates backend wait states.
func (d *ToolDeps) HandleGetWaitEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	events, err := d.Introspector.WaitEvents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait events: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// HandleGetDatabaseSettings dumps the performance-relevant GUCs.
func (d *ToolDeps) HandleGetDatabaseSettings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	settings, err := d.Introspector.Settings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("settings: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"count":    len(settings),
		"settings": settings,
	})
}
