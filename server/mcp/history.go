package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pgscope/pgscope/pkg/pgstats"
)

// HandleManageQueryPlanHistory records, lists, and compares captured
// execution plans.
func (d *ToolDeps) HandleManageQueryPlanHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if d.History == nil {
		return mcp.NewToolResultError("plan history storage is not configured"), nil
	}
	action := strings.ToLower(request.GetString("action", ""))

	switch action {
	case "record":
		sql := request.GetString("sql", "")
		if sql == "" {
			return mcp.NewToolResultError("sql parameter is required for record"), nil
		}
		planJSON, err := d.Introspector.Explain(ctx, sql, pgstats.ExplainOptions{
			Analyze: request.GetBool("analyze", false),
			Format:  "json",
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("explain: %v", err)), nil
		}
		snap, err := d.History.Record(sql, request.GetString("label", ""), planJSON)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("record plan: %v", err)), nil
		}
		return jsonResult(snap)

	case "list":
		summaries, err := d.History.List()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list history: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"count":   len(summaries),
			"queries": summaries,
		})

	case "get":
		queryID := request.GetString("query_id", "")
		if queryID == "" {
			return mcp.NewToolResultError("query_id parameter is required for get"), nil
		}
		snaps, err := d.History.Snapshots(queryID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"query_id":  queryID,
			"count":     len(snaps),
			"snapshots": snaps,
		})

	case "compare":
		queryID := request.GetString("query_id", "")
		if queryID == "" {
			return mcp.NewToolResultError("query_id parameter is required for compare"), nil
		}
		cmp, err := d.History.Compare(queryID,
			request.GetString("before_label", ""),
			request.GetString("after_label", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(cmp)

	case "clear":
		removed, err := d.History.Clear(request.GetString("query_id", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clear history: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"removed": removed})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q; use record, list, get, compare, or clear", action)), nil
	}
}

// HandleGetQueryRewriteSuggestions runs the static anti-pattern rules
// over a statement.
func (d *ToolDeps) HandleGetQueryRewriteSuggestions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sql := request.GetString("sql", "")
	if sql == "" {
		return mcp.NewToolResultError("sql parameter is required"), nil
	}
	issues, err := d.Rewriter.Analyze(sql)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("analyze statement: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"count":  len(issues),
		"issues": issues,
	})
}
