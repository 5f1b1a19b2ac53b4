package sqlparse

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
)

// extractor walks one SELECT statement's AST. Identifiers are lowercased
// to match how PostgreSQL folds unquoted names in its catalogs.
type extractor struct {
	aliases map[string]string
	tables  []string
}

func newExtractor() *extractor {
	return &extractor{aliases: make(map[string]string)}
}

func (e *extractor) selectStmt(sel *ast.SelectStmt, q *ParsedQuery) {
	if sel.From != nil && sel.From.TableRefs != nil {
		e.fromNode(sel.From.TableRefs, q)
	}
	q.Tables = e.tables

	if sel.Where != nil {
		e.conjuncts(sel.Where, q)
	}
	if sel.Having != nil && sel.Having.Expr != nil {
		e.conjuncts(sel.Having.Expr, q)
	}
	if sel.GroupBy != nil {
		for _, item := range sel.GroupBy.Items {
			if col, ok := columnRef(item.Expr); ok {
				q.GroupColumns = append(q.GroupColumns, ColumnRef{
					Table:  e.resolve(col.Table),
					Column: col.Column,
				})
			}
		}
	}
	if sel.OrderBy != nil {
		for _, item := range sel.OrderBy.Items {
			if col, ok := columnRef(item.Expr); ok {
				q.SortColumns = append(q.SortColumns, SortColumn{
					Table:  e.resolve(col.Table),
					Column: col.Column,
					Desc:   item.Desc,
				})
			}
		}
	}
}

// fromNode records table names and aliases, and pulls join keys out of ON
// conditions. Derived tables and subqueries are skipped.
func (e *extractor) fromNode(node ast.ResultSetNode, q *ParsedQuery) {
	switch n := node.(type) {
	case *ast.Join:
		if n.Left != nil {
			e.fromNode(n.Left, q)
		}
		if n.Right != nil {
			e.fromNode(n.Right, q)
		}
		if n.On != nil && n.On.Expr != nil {
			e.conjuncts(n.On.Expr, q)
		}
	case *ast.TableSource:
		tn, ok := n.Source.(*ast.TableName)
		if !ok {
			return
		}
		name := tn.Name.L
		e.tables = append(e.tables, name)
		e.aliases[name] = name
		if n.AsName.L != "" {
			e.aliases[n.AsName.L] = name
		}
	}
}

// conjuncts splits an expression on AND and records each indexable leaf.
// OR subtrees are skipped: a disjunction cannot be answered by a single
// btree lookup, and treating its branches as required predicates would
// overstate selectivity.
func (e *extractor) conjuncts(expr ast.ExprNode, q *ParsedQuery) {
	switch n := expr.(type) {
	case *ast.ParenthesesExpr:
		e.conjuncts(n.Expr, q)
	case *ast.BinaryOperationExpr:
		switch n.Op {
		case opcode.LogicAnd:
			e.conjuncts(n.L, q)
			e.conjuncts(n.R, q)
		case opcode.LogicOr:
			return
		case opcode.EQ, opcode.LT, opcode.GT, opcode.LE, opcode.GE:
			e.comparison(n, q)
		}
	case *ast.PatternInExpr:
		if n.Not {
			return
		}
		if col, ok := columnRef(n.Expr); ok && allComparands(n.List) {
			q.Predicates = append(q.Predicates, ColumnPredicate{
				Table:    e.resolve(col.Table),
				Column:   col.Column,
				Operator: "IN",
				Kind:     KindEquality,
			})
		}
	case *ast.BetweenExpr:
		if n.Not {
			return
		}
		if col, ok := columnRef(n.Expr); ok {
			q.Predicates = append(q.Predicates, ColumnPredicate{
				Table:    e.resolve(col.Table),
				Column:   col.Column,
				Operator: "BETWEEN",
				Kind:     KindRange,
			})
		}
	case *ast.PatternLikeOrIlikeExpr:
		if n.Not {
			return
		}
		col, ok := columnRef(n.Expr)
		if !ok {
			return
		}
		pattern, ok := literalText(n.Pattern)
		if !ok || pattern == "" {
			return
		}
		// Only an anchored prefix pattern can walk a btree.
		if strings.HasPrefix(pattern, "%") || strings.HasPrefix(pattern, "_") {
			return
		}
		q.Predicates = append(q.Predicates, ColumnPredicate{
			Table:    e.resolve(col.Table),
			Column:   col.Column,
			Operator: "LIKE",
			Value:    pattern,
			Kind:     KindRange,
		})
	case *ast.IsNullExpr:
		if n.Not {
			return
		}
		if col, ok := columnRef(n.Expr); ok {
			q.Predicates = append(q.Predicates, ColumnPredicate{
				Table:    e.resolve(col.Table),
				Column:   col.Column,
				Operator: "IS NULL",
				Kind:     KindEquality,
			})
		}
	}
}

func (e *extractor) comparison(n *ast.BinaryOperationExpr, q *ParsedQuery) {
	lcol, lok := columnRef(n.L)
	rcol, rok := columnRef(n.R)

	switch {
	case lok && rok:
		if n.Op == opcode.EQ {
			q.Joins = append(q.Joins, JoinKey{
				LeftTable:   e.resolve(lcol.Table),
				LeftColumn:  lcol.Column,
				RightTable:  e.resolve(rcol.Table),
				RightColumn: rcol.Column,
			})
		}
	case lok:
		if v, ok := comparand(n.R); ok {
			q.Predicates = append(q.Predicates, ColumnPredicate{
				Table:    e.resolve(lcol.Table),
				Column:   lcol.Column,
				Operator: opText(n.Op),
				Value:    v,
				Kind:     kindOf(n.Op),
			})
		}
	case rok:
		// Literal on the left: 5 < x is x > 5.
		if v, ok := comparand(n.L); ok {
			q.Predicates = append(q.Predicates, ColumnPredicate{
				Table:    e.resolve(rcol.Table),
				Column:   rcol.Column,
				Operator: flipOp(opText(n.Op)),
				Value:    v,
				Kind:     kindOf(n.Op),
			})
		}
	}
}

func (e *extractor) resolve(tbl string) string {
	if tbl == "" {
		if len(e.tables) == 1 {
			return e.tables[0]
		}
		return ""
	}
	if t, ok := e.aliases[tbl]; ok {
		return t
	}
	return tbl
}

func columnRef(expr ast.ExprNode) (ColumnRef, bool) {
	for {
		p, ok := expr.(*ast.ParenthesesExpr)
		if !ok {
			break
		}
		expr = p.Expr
	}
	col, ok := expr.(*ast.ColumnNameExpr)
	if !ok || col.Name == nil {
		return ColumnRef{}, false
	}
	return ColumnRef{Table: col.Name.Table.L, Column: col.Name.Name.L}, true
}

// comparand accepts what may sit on the other side of an indexable
// comparison: a literal, whose text doubles as a selectivity hint, or a
// parameter marker, which constrains the column with an unknown value.
func comparand(expr ast.ExprNode) (string, bool) {
	if v, ok := literalText(expr); ok {
		return v, true
	}
	if isParamMarker(expr) {
		return "", true
	}
	return "", false
}

func isParamMarker(expr ast.ExprNode) bool {
	for {
		p, ok := expr.(*ast.ParenthesesExpr)
		if !ok {
			break
		}
		expr = p.Expr
	}
	_, ok := expr.(ast.ParamMarkerExpr)
	return ok
}

func literalText(expr ast.ExprNode) (string, bool) {
	for {
		p, ok := expr.(*ast.ParenthesesExpr)
		if !ok {
			break
		}
		expr = p.Expr
	}
	ve, ok := expr.(ast.ValueExpr)
	if !ok {
		return "", false
	}
	v := ve.GetValue()
	if v == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

func allComparands(exprs []ast.ExprNode) bool {
	for _, ex := range exprs {
		if _, ok := comparand(ex); !ok {
			return false
		}
	}
	return len(exprs) > 0
}

func opText(op opcode.Op) string {
	switch op {
	case opcode.EQ:
		return "="
	case opcode.LT:
		return "<"
	case opcode.GT:
		return ">"
	case opcode.LE:
		return "<="
	case opcode.GE:
		return ">="
	}
	return op.String()
}

func flipOp(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}

func kindOf(op opcode.Op) PredicateKind {
	if op == opcode.EQ {
		return KindEquality
	}
	return KindRange
}
