package rewrite

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
)

func defaultRules() []Rule {
	return []Rule{
		&selectStarRule{},
		&negativeComparisonRule{},
		&leadingWildcardRule{},
		&functionOnColumnRule{},
		&nullComparisonRule{},
		&orChainRule{Threshold: 3},
		&cartesianJoinRule{},
		&unionDistinctRule{},
		&deepPaginationRule{Threshold: 5000},
		&countExistsRule{},
		&expressionOrderRule{},
	}
}

// exprVisitor runs fn on every node; fn returning false stops descent
// into that subtree.
type exprVisitor struct {
	fn func(ast.Node) bool
}

func (v *exprVisitor) Enter(in ast.Node) (ast.Node, bool) {
	return in, !v.fn(in)
}

func (v *exprVisitor) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}

func walk(node ast.Node, fn func(ast.Node) bool) {
	if node != nil {
		node.Accept(&exprVisitor{fn: fn})
	}
}

func isComparisonOp(op opcode.Op) bool {
	switch op {
	case opcode.EQ, opcode.NE, opcode.LT, opcode.GT, opcode.LE, opcode.GE:
		return true
	}
	return false
}

// selectStarRule flags SELECT * projections.
type selectStarRule struct{}

func (r *selectStarRule) Name() string { return "select_star" }

func (r *selectStarRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectStmt)
		if !ok || sel.Fields == nil {
			return true
		}
		for _, f := range sel.Fields.Fields {
			if f.WildCard != nil {
				issues = append(issues, Issue{
					Rule:       r.Name(),
					Severity:   SeveritySuggestion,
					Message:    "SELECT * fetches every column",
					Suggestion: "List only the columns the caller needs; narrow projections enable index-only scans and shrink transfer size.",
				})
				break
			}
		}
		return true
	})
	return issues
}

// negativeComparisonRule flags != and NOT IN, which usually force full
// scans.
type negativeComparisonRule struct{}

func (r *negativeComparisonRule) Name() string { return "negative_comparison" }

func (r *negativeComparisonRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		if bin, ok := n.(*ast.BinaryOperationExpr); ok && bin.Op == opcode.NE {
			if !isNullValue(bin.L) && !isNullValue(bin.R) {
				issues = append(issues, Issue{
					Rule:       r.Name(),
					Severity:   SeverityWarning,
					Message:    "inequality (<>) comparison rarely uses an index",
					Suggestion: "Prefer a positive predicate, or restructure so the selective condition is an equality or range.",
				})
			}
		}
		if in, ok := n.(*ast.PatternInExpr); ok && in.Not && in.Sel != nil {
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    "NOT IN (subquery) is NULL-hostile and optimizes poorly",
				Suggestion: "Rewrite as NOT EXISTS or LEFT JOIN ... IS NULL; both handle NULLs predictably and plan better.",
			})
		}
		return true
	})
	return issues
}

// leadingWildcardRule flags LIKE patterns starting with % or _.
type leadingWildcardRule struct{}

func (r *leadingWildcardRule) Name() string { return "leading_wildcard" }

func (r *leadingWildcardRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		like, ok := n.(*ast.PatternLikeOrIlikeExpr)
		if !ok {
			return true
		}
		ve, ok := like.Pattern.(ast.ValueExpr)
		if !ok {
			return true
		}
		s, ok := ve.GetValue().(string)
		if !ok || s == "" {
			return true
		}
		if s[0] == '%' || s[0] == '_' {
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("LIKE '%s' starts with a wildcard and cannot use a btree index", s),
				Suggestion: "Anchor the pattern, or use a trigram index (pg_trgm with gin/gist) for infix search.",
			})
		}
		return true
	})
	return issues
}

// functionOnColumnRule flags function calls wrapping a column inside a
// comparison, which hides the column from plain indexes.
type functionOnColumnRule struct{}

func (r *functionOnColumnRule) Name() string { return "function_on_column" }

func (r *functionOnColumnRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		bin, ok := n.(*ast.BinaryOperationExpr)
		if !ok || !isComparisonOp(bin.Op) {
			return true
		}
		for _, side := range []ast.ExprNode{bin.L, bin.R} {
			fn, ok := side.(*ast.FuncCallExpr)
			if !ok || !referencesColumn(fn) {
				continue
			}
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("%s() wraps a column inside a comparison", fn.FnName.L),
				Suggestion: "Move the function to the constant side, or create an expression index on the wrapped column.",
			})
		}
		return true
	})
	return issues
}

func referencesColumn(node ast.Node) bool {
	found := false
	walk(node, func(n ast.Node) bool {
		if _, ok := n.(*ast.ColumnNameExpr); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// nullComparisonRule flags = NULL and <> NULL, which are always NULL
// in SQL and match nothing.
type nullComparisonRule struct{}

func (r *nullComparisonRule) Name() string { return "null_comparison" }

func (r *nullComparisonRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		bin, ok := n.(*ast.BinaryOperationExpr)
		if !ok || (bin.Op != opcode.EQ && bin.Op != opcode.NE) {
			return true
		}
		if isNullValue(bin.L) || isNullValue(bin.R) {
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    "comparison against NULL never matches",
				Suggestion: "Use IS NULL or IS NOT NULL.",
			})
		}
		return true
	})
	return issues
}

func isNullValue(expr ast.ExprNode) bool {
	ve, ok := expr.(ast.ValueExpr)
	return ok && ve.GetValue() == nil
}

// orChainRule flags Threshold or more OR'd equalities on one column.
type orChainRule struct {
	Threshold int
}

func (r *orChainRule) Name() string { return "or_chain" }

func (r *orChainRule) Check(stmt ast.StmtNode) []Issue {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = 3
	}

	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		bin, ok := n.(*ast.BinaryOperationExpr)
		if !ok || bin.Op != opcode.LogicOr {
			return true
		}
		counts := make(map[string]int)
		countOrEqualities(bin, counts)
		for col, cnt := range counts {
			if cnt >= threshold {
				issues = append(issues, Issue{
					Rule:       r.Name(),
					Severity:   SeveritySuggestion,
					Message:    fmt.Sprintf("%d OR'd equality checks on %s", cnt, col),
					Suggestion: fmt.Sprintf("Collapse into %s IN (...); the planner prices IN lists better than OR chains.", col),
				})
			}
		}
		// Counted the whole chain here; skip nested ORs.
		return false
	})
	return issues
}

func countOrEqualities(expr ast.ExprNode, counts map[string]int) {
	bin, ok := expr.(*ast.BinaryOperationExpr)
	if !ok {
		return
	}
	switch bin.Op {
	case opcode.LogicOr:
		countOrEqualities(bin.L, counts)
		countOrEqualities(bin.R, counts)
	case opcode.EQ:
		if col, ok := bin.L.(*ast.ColumnNameExpr); ok {
			counts[col.Name.Name.L]++
		} else if col, ok := bin.R.(*ast.ColumnNameExpr); ok {
			counts[col.Name.Name.L]++
		}
	}
}

// cartesianJoinRule flags comma or CROSS joins with no join condition
// anywhere in the statement.
type cartesianJoinRule struct{}

func (r *cartesianJoinRule) Name() string { return "cartesian_join" }

func (r *cartesianJoinRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectStmt)
		if !ok || sel.From == nil {
			return true
		}
		if hasUnconditionedJoin(sel.From.TableRefs) && sel.Where == nil {
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    "join without a join condition multiplies every row pair",
				Suggestion: "Add an ON clause or WHERE predicate relating the joined tables.",
			})
		}
		return true
	})
	return issues
}

func hasUnconditionedJoin(join *ast.Join) bool {
	if join == nil {
		return false
	}
	if join.Right != nil && join.On == nil && len(join.Using) == 0 {
		return true
	}
	if l, ok := join.Left.(*ast.Join); ok && hasUnconditionedJoin(l) {
		return true
	}
	if r, ok := join.Right.(*ast.Join); ok && hasUnconditionedJoin(r) {
		return true
	}
	return false
}

// unionDistinctRule flags plain UNION, which sorts to deduplicate.
type unionDistinctRule struct{}

func (r *unionDistinctRule) Name() string { return "union_distinct" }

func (r *unionDistinctRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		setOpr, ok := n.(*ast.SetOprStmt)
		if !ok || setOpr.SelectList == nil {
			return true
		}
		for _, sel := range setOpr.SelectList.Selects {
			s, ok := sel.(*ast.SelectStmt)
			if !ok || s.AfterSetOperator == nil {
				continue
			}
			if *s.AfterSetOperator == ast.Union {
				issues = append(issues, Issue{
					Rule:       r.Name(),
					Severity:   SeveritySuggestion,
					Message:    "UNION deduplicates with a sort or hash over the combined result",
					Suggestion: "Use UNION ALL when the branches cannot overlap.",
				})
				break
			}
		}
		return true
	})
	return issues
}

// deepPaginationRule flags large OFFSET values, which scan and discard
// every skipped row.
type deepPaginationRule struct {
	Threshold int64
}

func (r *deepPaginationRule) Name() string { return "deep_pagination" }

func (r *deepPaginationRule) Check(stmt ast.StmtNode) []Issue {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = 5000
	}

	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectStmt)
		if !ok || sel.Limit == nil || sel.Limit.Offset == nil {
			return true
		}
		ve, ok := sel.Limit.Offset.(ast.ValueExpr)
		if !ok {
			return true
		}
		var offset int64
		switch v := ve.GetValue().(type) {
		case int64:
			offset = v
		case uint64:
			offset = int64(v)
		default:
			return true
		}
		if offset > threshold {
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("OFFSET %d reads and discards every skipped row", offset),
				Suggestion: "Use keyset pagination: WHERE (sort_key) > (last seen value) ORDER BY sort_key LIMIT n.",
			})
		}
		return true
	})
	return issues
}

// countExistsRule flags bare SELECT COUNT(*) with a filter, which is
// often an existence check that scans every matching row.
type countExistsRule struct{}

func (r *countExistsRule) Name() string { return "count_exists" }

func (r *countExistsRule) Check(stmt ast.StmtNode) []Issue {
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return nil
	}
	if sel.Where == nil || sel.GroupBy != nil || sel.Having != nil {
		return nil
	}
	agg, ok := sel.Fields.Fields[0].Expr.(*ast.AggregateFuncExpr)
	if !ok || strings.ToLower(agg.F) != "count" {
		return nil
	}
	return []Issue{{
		Rule:       r.Name(),
		Severity:   SeveritySuggestion,
		Message:    "COUNT(*) counts every matching row",
		Suggestion: "If this only checks whether rows exist, use EXISTS (SELECT 1 ...); it stops at the first match.",
	}}
}

// expressionOrderRule flags ORDER BY over a computed expression combined
// with LIMIT. A plain index cannot deliver that order, so the top-N
// degenerates into a full sort.
type expressionOrderRule struct{}

func (r *expressionOrderRule) Name() string { return "expression_order" }

func (r *expressionOrderRule) Check(stmt ast.StmtNode) []Issue {
	var issues []Issue
	walk(stmt, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectStmt)
		if !ok || sel.OrderBy == nil || sel.Limit == nil {
			return true
		}
		for _, item := range sel.OrderBy.Items {
			if _, plain := item.Expr.(*ast.ColumnNameExpr); plain {
				continue
			}
			if _, constant := item.Expr.(ast.ValueExpr); constant {
				continue
			}
			issues = append(issues, Issue{
				Rule:       r.Name(),
				Severity:   SeveritySuggestion,
				Message:    "ORDER BY over an expression with LIMIT forces a full sort before the cutoff",
				Suggestion: "Order by a stored column, or create an expression index so the planner can stop at the first rows.",
			})
			break
		}
		return true
	})
	return issues
}

// Rules lists the default rule names.
func Rules() []string {
	rules := defaultRules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name())
	}
	return names
}
