package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pgscope/pgscope/pkg/advisor"
	"github.com/pgscope/pgscope/pkg/hypo"
)

// HandleGetIndexRecommendations runs the advisor over the supplied
// statements, or over the observed workload when none are given.
func (d *ToolDeps) HandleGetIndexRecommendations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := advisor.Options{
		MaxIndexColumns:          d.AdvisorCfg.MaxIndexColumns,
		MaxRecommendations:       request.GetInt("max_recommendations", d.AdvisorCfg.MaxRecommendations),
		SizeBudgetBytes:          d.AdvisorCfg.SizeBudgetBytes,
		PerIndexSizeCeilingBytes: d.AdvisorCfg.PerIndexSizeCeilingBytes,
		MinImprovement:           request.GetFloat("min_improvement", d.AdvisorCfg.MinImprovement),
		Timeout:                  d.AdvisorCfg.Timeout,
		SkipVerify:               request.GetBool("skip_verify", false),
	}
	if budgetMB := request.GetFloat("size_budget_mb", 0); budgetMB > 0 {
		opts.SizeBudgetBytes = int64(budgetMB * 1024 * 1024)
	}

	var report *advisor.Report
	var err error
	if queries := stringSliceArg(request, "queries"); len(queries) > 0 {
		report, err = d.Advisor.AnalyzeQueries(ctx, queries, opts)
	} else {
		if d.Workload == nil {
			return mcp.NewToolResultError("no queries supplied and no workload source available; pass queries explicitly"), nil
		}
		workload, werr := d.Workload.WorkloadQueries(ctx, d.AdvisorCfg.WorkloadQueryLimit, 1)
		if werr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load workload: %v", werr)), nil
		}
		if len(workload) == 0 {
			return mcp.NewToolResultError("pg_stat_statements returned no workload; pass queries explicitly"), nil
		}
		report, err = d.Advisor.AnalyzeWorkload(ctx, workload, opts)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advisor: %v", err)), nil
	}
	return jsonResult(report)
}

// hypoSpecsArg reads the "indexes" array of {table, columns, method}
// objects.
func hypoSpecsArg(request mcp.CallToolRequest) ([]hypo.IndexSpec, error) {
	raw, ok := request.GetArguments()["indexes"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("indexes parameter is required")
	}
	specs := make([]hypo.IndexSpec, 0, len(raw))
	for i, v := range raw {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("indexes[%d]: expected an object with table and columns", i)
		}
		spec := hypo.IndexSpec{}
		spec.Table, _ = obj["table"].(string)
		spec.Method, _ = obj["method"].(string)
		if cols, ok := obj["columns"].([]interface{}); ok {
			for _, c := range cols {
				if s, ok := c.(string); ok {
					spec.Columns = append(spec.Columns, s)
				}
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("indexes[%d]: %v", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// HandleExplainWithIndexes compares planner cost with and without a set
// of hypothetical indexes.
func (d *ToolDeps) HandleExplainWithIndexes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if d.Bridge == nil {
		return mcp.NewToolResultError("hypopg is not available on this connection"), nil
	}
	sql := request.GetString("sql", "")
	if sql == "" {
		return mcp.NewToolResultError("sql parameter is required"), nil
	}
	specs, err := hypoSpecsArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := d.Bridge.ResetAll(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reset hypothetical indexes: %v", err)), nil
	}
	baseCost, err := d.Bridge.PlannerCost(ctx, sql)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan without indexes: %v", err)), nil
	}

	type createdIndex struct {
		OID    uint64 `json:"oid"`
		Name   string `json:"name"`
		Create string `json:"create_statement"`
		Size   int64  `json:"estimated_size_bytes,omitempty"`
	}
	created := make([]createdIndex, 0, len(specs))
	defer func() {
		if rerr := d.Bridge.ResetAll(ctx); rerr != nil {
			d.Log.Warn("failed to reset hypothetical indexes", "error", rerr)
		}
	}()

	for _, spec := range specs {
		idx, err := d.Bridge.Create(ctx, spec)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create hypothetical index on %s: %v", spec.Table, err)), nil
		}
		ci := createdIndex{OID: idx.OID, Name: idx.Name, Create: spec.CreateStatement()}
		if size, serr := d.Bridge.RelationSize(ctx, idx.OID); serr == nil {
			ci.Size = size
		}
		created = append(created, ci)
	}

	withCost, err := d.Bridge.PlannerCost(ctx, sql)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan with indexes: %v", err)), nil
	}

	improvement := 0.0
	if baseCost > 0 {
		improvement = (baseCost - withCost) / baseCost
	}
	return jsonResult(map[string]interface{}{
		"cost_without_indexes": baseCost,
		"cost_with_indexes":    withCost,
		"improvement":          improvement,
		"indexes_used":         withCost < baseCost,
		"hypothetical_indexes": created,
	})
}

// HandleManageHypotheticalIndexes manipulates session hypopg state.
func (d *ToolDeps) HandleManageHypotheticalIndexes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := strings.ToLower(request.GetString("action", ""))
	if action == "" {
		return mcp.NewToolResultError("action parameter is required"), nil
	}
	if d.Bridge == nil {
		if action == "check" {
			return jsonResult(map[string]interface{}{
				"available": false,
				"hint":      "install it with: CREATE EXTENSION hypopg",
			})
		}
		return mcp.NewToolResultError("hypopg is not available on this connection"), nil
	}

	switch action {
	case "check":
		ok, err := d.Bridge.Available(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("check hypopg: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"available": ok})

	case "create":
		spec := hypo.IndexSpec{
			Table:   request.GetString("table", ""),
			Columns: stringSliceArg(request, "columns"),
			Method:  request.GetString("method", ""),
		}
		if err := spec.Validate(); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		idx, err := d.Bridge.Create(ctx, spec)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"created":          idx,
			"create_statement": spec.CreateStatement(),
		})

	case "list":
		indexes, err := d.Bridge.List(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"count":   len(indexes),
			"indexes": indexes,
		})

	case "drop":
		oid := uint64(request.GetInt("oid", 0))
		if oid == 0 {
			return mcp.NewToolResultError("oid parameter is required for drop"), nil
		}
		if err := d.Bridge.Drop(ctx, oid); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("drop: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"dropped": oid})

	case "reset":
		if err := d.Bridge.ResetAll(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reset: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"reset": true})

	case "estimate_size":
		oid := uint64(request.GetInt("oid", 0))
		if oid == 0 {
			// Size a spec that is not registered yet: create, size, drop.
			spec := hypo.IndexSpec{
				Table:   request.GetString("table", ""),
				Columns: stringSliceArg(request, "columns"),
				Method:  request.GetString("method", ""),
			}
			if err := spec.Validate(); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			idx, err := d.Bridge.Create(ctx, spec)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("estimate_size: %v", err)), nil
			}
			size, serr := d.Bridge.RelationSize(ctx, idx.OID)
			if derr := d.Bridge.Drop(ctx, idx.OID); derr != nil {
				d.Log.Warn("failed to drop sizing index", "oid", idx.OID, "error", derr)
			}
			if serr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("estimate_size: %v", serr)), nil
			}
			return jsonResult(map[string]interface{}{
				"create_statement":     spec.CreateStatement(),
				"estimated_size_bytes": size,
			})
		}
		size, err := d.Bridge.RelationSize(ctx, oid)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("estimate_size: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"oid":                  oid,
			"estimated_size_bytes": size,
		})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q; use create, list, drop, reset, estimate_size, or check", action)), nil
	}
}

// HandleFindUnusedIndexes reports never-scanned indexes and redundant
// index pairs.
func (d *ToolDeps) HandleFindUnusedIndexes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	minSizeMB := request.GetFloat("min_size_mb", 1)

	unused, err := d.Introspector.UnusedIndexes(ctx, minSizeMB)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unused indexes: %v", err)), nil
	}
	overlapping, err := d.Introspector.OverlappingIndexes(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("overlapping indexes: %v", err)), nil
	}

	var wastedBytes int64
	drops := make([]string, 0, len(unused))
	for _, idx := range unused {
		wastedBytes += idx.SizeBytes
		drops = append(drops, fmt.Sprintf("DROP INDEX CONCURRENTLY %s; -- never scanned, %s", idx.Name, idx.Size))
	}

	return jsonResult(map[string]interface{}{
		"unused":              unused,
		"overlapping":         overlapping,
		"wasted_bytes":        wastedBytes,
		"drop_statements":     drops,
		"scanned_since_reset": "idx_scan counters reset with pg_stat_reset(); confirm the window covers your full workload before dropping",
	})
}
