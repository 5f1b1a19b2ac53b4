package advisor

import (
	"math"

	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/sqlparse"
)

// Cost model constants. The absolute numbers only matter relative to
// each other; the selector works on cost differences, not cost units.
const (
	seqScanCostPerRow    = 1.0
	heapFetchCostPerRow  = 1.0
	indexTupleCostPerRow = 0.25
	sortCostFactor       = 0.1

	// btreeFanout approximates keys per btree page when estimating
	// traversal depth.
	btreeFanout = 100.0

	// Fixed selectivities for predicates the statistics cannot price
	// exactly.
	ineqSelectivity       = 1.0 / 3
	betweenSelectivity    = 1.0 / 9
	prefixLikeSelectivity = 0.1

	// Size model: per-entry overhead (item pointer plus tuple header)
	// and btree fill factor.
	perEntryOverheadBytes = 24
	indexFillFactor       = 0.9
	defaultColumnWidth    = 8
)

// TableStatistics is the per-table input to the cost model.
type TableStatistics struct {
	Rows    int64
	Columns map[string]pgstats.ColumnStats
}

// Estimator prices queries analytically from planner statistics.
type Estimator struct {
	tables map[string]*TableStatistics
}

// NewEstimator creates an estimator over the given table statistics.
func NewEstimator(tables map[string]*TableStatistics) *Estimator {
	if tables == nil {
		tables = make(map[string]*TableStatistics)
	}
	return &Estimator{tables: tables}
}

// TableStats returns the statistics held for a table, nil when absent.
func (e *Estimator) TableStats(table string) *TableStatistics {
	return e.tables[table]
}

// Baseline prices a query with no new index: a sequential scan of every
// referenced table plus a sort when the query orders its output.
func (e *Estimator) Baseline(q *sqlparse.ParsedQuery) CostEstimate {
	var cost, rows float64
	for _, table := range q.Tables {
		st := e.tables[table]
		if st == nil {
			continue
		}
		cost += float64(st.Rows) * seqScanCostPerRow
		rows += float64(st.Rows)
	}
	if len(q.SortColumns) > 0 {
		cost += sortCost(rows)
	}
	return CostEstimate{
		Fingerprint:  q.Fingerprint,
		Cost:         cost,
		RowsExamined: rows,
		Source:       SourceAnalytical,
	}
}

// WithCandidate prices a query assuming the candidate index exists. When
// the candidate cannot serve the query the baseline cost is returned
// unchanged, so the difference against Baseline is never negative.
func (e *Estimator) WithCandidate(q *sqlparse.ParsedQuery, cand IndexCandidate) CostEstimate {
	baseline := e.Baseline(q)
	st := e.tables[cand.Table]
	if st == nil || st.Rows == 0 || !queryTouches(q, cand.Table) {
		est := baseline
		est.Candidate = cand.Key()
		return est
	}

	sel, matchedCols := e.prefixSelectivity(q, cand)
	sortCovered := candidateCoversSort(q, cand, matchedCols)
	if matchedCols == 0 && !sortCovered {
		est := baseline
		est.Candidate = cand.Key()
		return est
	}

	matched := sel * float64(st.Rows)
	if matched > float64(st.Rows) {
		matched = float64(st.Rows)
	}
	if matched < 1 {
		matched = 1
	}

	access := btreeLevels(e.leadingDistinct(cand)) + matched*indexTupleCostPerRow
	if !e.candidateCovers(q, cand) {
		access += matched * heapFetchCostPerRow
	}

	// Other referenced tables still scan sequentially.
	var otherCost, otherRows float64
	for _, table := range q.Tables {
		if table == cand.Table {
			continue
		}
		if ost := e.tables[table]; ost != nil {
			otherCost += float64(ost.Rows) * seqScanCostPerRow
			otherRows += float64(ost.Rows)
		}
	}

	cost := access + otherCost
	if len(q.SortColumns) > 0 && !sortCovered {
		cost += sortCost(matched + otherRows)
	}
	if cost > baseline.Cost {
		// An index that prices worse than the scan would not be chosen
		// by the planner.
		cost = baseline.Cost
	}
	return CostEstimate{
		Fingerprint:  q.Fingerprint,
		Candidate:    cand.Key(),
		Cost:         cost,
		RowsExamined: matched + otherRows,
		Source:       SourceAnalytical,
	}
}

// prefixSelectivity walks the candidate's columns left to right,
// multiplying predicate selectivities for as long as the query
// constrains them: equality columns keep the walk going, a range column
// is used and ends it. Returns the composite selectivity and how many
// leading columns matched. Per-column selectivities are treated as
// independent.
func (e *Estimator) prefixSelectivity(q *sqlparse.ParsedQuery, cand IndexCandidate) (float64, int) {
	st := e.tables[cand.Table]
	preds := q.PredicatesForTable(cand.Table)

	sel := 1.0
	matched := 0
	for _, col := range cand.Columns {
		p, ok := bestPredicateFor(preds, col)
		if !ok {
			break
		}
		sel *= e.predicateSelectivity(st, p)
		matched++
		if p.Kind == sqlparse.KindRange {
			break
		}
	}
	if matched > 0 && st.Rows > 0 {
		floor := 1.0 / float64(st.Rows)
		if sel < floor {
			sel = floor
		}
	}
	return sel, matched
}

// bestPredicateFor prefers an equality predicate over a range predicate
// on the same column.
func bestPredicateFor(preds []sqlparse.ColumnPredicate, col string) (sqlparse.ColumnPredicate, bool) {
	var found sqlparse.ColumnPredicate
	ok := false
	for _, p := range preds {
		if p.Column != col {
			continue
		}
		if !ok || (p.Kind == sqlparse.KindEquality && found.Kind == sqlparse.KindRange) {
			found = p
			ok = true
		}
	}
	return found, ok
}

// predicateSelectivity prices one predicate. Equality against a literal
// that appears in the column's most-common values uses the observed
// frequency, which keeps skewed columns honest.
func (e *Estimator) predicateSelectivity(st *TableStatistics, p sqlparse.ColumnPredicate) float64 {
	cs, haveStats := st.Columns[p.Column]

	switch p.Operator {
	case "=":
		if !haveStats {
			return ineqSelectivity
		}
		if p.Value != "" {
			for _, mcv := range cs.MostCommonValues {
				if mcv.Value == p.Value {
					return clampSelectivity(mcv.Frequency)
				}
			}
		}
		return clampSelectivity((1 - cs.NullFraction) / float64(max64(cs.DistinctCount, 1)))
	case "IN":
		if !haveStats {
			return ineqSelectivity
		}
		eq := (1 - cs.NullFraction) / float64(max64(cs.DistinctCount, 1))
		return clampSelectivity(math.Min(eq*4, ineqSelectivity))
	case "IS NULL":
		if !haveStats {
			return ineqSelectivity
		}
		return clampSelectivity(cs.NullFraction)
	case "BETWEEN":
		return betweenSelectivity
	case "LIKE":
		return prefixLikeSelectivity
	default:
		return ineqSelectivity
	}
}

// candidateCovers reports whether every column the query references on
// the candidate's table appears in the candidate. Select-list columns
// are not tracked, so this is the model's index-only approximation.
func (e *Estimator) candidateCovers(q *sqlparse.ParsedQuery, cand IndexCandidate) bool {
	have := make(map[string]bool, len(cand.Columns))
	for _, c := range cand.Columns {
		have[c] = true
	}
	for _, p := range q.PredicatesForTable(cand.Table) {
		if !have[p.Column] {
			return false
		}
	}
	for _, s := range q.SortColumns {
		if s.Table == cand.Table && !have[s.Column] {
			return false
		}
	}
	for _, g := range q.GroupColumns {
		if g.Table == cand.Table && !have[g.Column] {
			return false
		}
	}
	return true
}

// candidateCoversSort reports whether the candidate's columns after the
// equality-constrained prefix deliver the query's sort order, letting
// the plan skip the sort.
func candidateCoversSort(q *sqlparse.ParsedQuery, cand IndexCandidate, matchedCols int) bool {
	var sorts []sqlparse.SortColumn
	for _, s := range q.SortColumns {
		if s.Table == cand.Table || s.Table == "" {
			sorts = append(sorts, s)
		}
	}
	if len(sorts) == 0 {
		return false
	}
	rest := cand.Columns[matchedCols:]
	if len(rest) < len(sorts) {
		return false
	}
	for i, s := range sorts {
		if rest[i] != s.Column {
			return false
		}
	}
	return true
}

// EstimateSize models the candidate's on-disk size: one entry per row,
// key widths plus per-entry overhead, divided by the fill factor.
func (e *Estimator) EstimateSize(cand IndexCandidate) int64 {
	st := e.tables[cand.Table]
	if st == nil || st.Rows <= 0 {
		return 0
	}
	entry := float64(perEntryOverheadBytes)
	for _, col := range cand.Columns {
		if cs, ok := st.Columns[col]; ok && cs.AvgWidthBytes > 0 {
			entry += float64(cs.AvgWidthBytes)
		} else {
			entry += defaultColumnWidth
		}
	}
	return int64(float64(st.Rows) * entry / indexFillFactor)
}

// EstimateBuildCost models the one-time creation cost, dominated by the
// sort of all entries.
func (e *Estimator) EstimateBuildCost(cand IndexCandidate) float64 {
	st := e.tables[cand.Table]
	if st == nil || st.Rows <= 0 {
		return 0
	}
	n := float64(st.Rows)
	return n * math.Log2(n+1) * 0.01
}

func (e *Estimator) leadingDistinct(cand IndexCandidate) int64 {
	st := e.tables[cand.Table]
	if st == nil || len(cand.Columns) == 0 {
		return 1
	}
	if cs, ok := st.Columns[cand.Columns[0]]; ok {
		return max64(cs.DistinctCount, 1)
	}
	return 1
}

func btreeLevels(distinct int64) float64 {
	if distinct < 2 {
		return 1
	}
	return math.Ceil(math.Log(float64(distinct))/math.Log(btreeFanout) + 1)
}

func sortCost(rows float64) float64 {
	if rows < 2 {
		return 0
	}
	return rows * math.Log2(rows) * sortCostFactor
}

func clampSelectivity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func queryTouches(q *sqlparse.ParsedQuery, table string) bool {
	for _, t := range q.Tables {
		if t == table {
			return true
		}
	}
	return false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
