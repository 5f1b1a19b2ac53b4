package advisor

import (
	"sort"

	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/sqlparse"
)

// WorkloadItem is one parsed query with its observed call weight.
type WorkloadItem struct {
	Query *sqlparse.ParsedQuery
	Calls int64
}

// Generator builds the candidate index set for a workload.
type Generator struct {
	est         *Estimator
	existing    map[string][]pgstats.ExistingIndex
	maxColumns  int
	sizeCeiling int64
}

// NewGenerator creates a generator. existing maps table name to the
// table's current indexes; candidates those indexes already serve are
// suppressed.
func NewGenerator(est *Estimator, existing map[string][]pgstats.ExistingIndex, maxColumns int, sizeCeiling int64) *Generator {
	if maxColumns <= 0 {
		maxColumns = 3
	}
	return &Generator{
		est:         est,
		existing:    existing,
		maxColumns:  maxColumns,
		sizeCeiling: sizeCeiling,
	}
}

// Generate produces deduplicated candidates across the workload, sorted
// by key for deterministic downstream processing. Tables without
// statistics contribute nothing.
func (g *Generator) Generate(items []WorkloadItem) []IndexCandidate {
	seen := make(map[string]IndexCandidate)

	for _, item := range items {
		for _, table := range item.Query.Tables {
			if g.est.TableStats(table) == nil {
				continue
			}
			for _, cols := range g.candidateColumnSets(item.Query, table) {
				cand := IndexCandidate{Table: table, Columns: cols, Method: "btree"}
				key := cand.Key()
				if _, ok := seen[key]; ok {
					continue
				}
				if g.servedByExisting(cand) {
					continue
				}
				cand.EstimatedSizeBytes = g.est.EstimateSize(cand)
				if g.sizeCeiling > 0 && cand.EstimatedSizeBytes > g.sizeCeiling {
					continue
				}
				cand.EstimatedBuildCost = g.est.EstimateBuildCost(cand)
				seen[key] = cand
			}
		}
	}

	out := make([]IndexCandidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// candidateColumnSets derives the column lists worth indexing for one
// query and table: every referenced column alone, plus composites
// ordered equality first, then one range column, then sort columns.
func (g *Generator) candidateColumnSets(q *sqlparse.ParsedQuery, table string) [][]string {
	eqCols := g.equalityColumns(q, table)
	rangeCols := rangeColumns(q, table)
	sortCols := sortColumnNames(q, table)
	groupCols := groupColumnNames(q, table)

	var sets [][]string
	addSet := func(cols []string) {
		cols = dedupeColumns(cols)
		if len(cols) == 0 {
			return
		}
		if len(cols) > g.maxColumns {
			cols = cols[:g.maxColumns]
		}
		sets = append(sets, cols)
	}

	for _, c := range eqCols {
		addSet([]string{c})
	}
	for _, c := range rangeCols {
		addSet([]string{c})
	}
	for _, c := range sortCols {
		addSet([]string{c})
	}
	for _, c := range groupCols {
		addSet([]string{c})
	}

	// Equality prefix, then the range column that ends the scan.
	if len(rangeCols) > 0 && len(eqCols) > 0 {
		addSet(append(append([]string{}, eqCols...), rangeCols[0]))
	}
	// Equality prefix, then the sort order.
	if len(sortCols) > 0 && len(eqCols) > 0 {
		addSet(append(append([]string{}, eqCols...), sortCols...))
	}
	// Equality prefix, then the grouping columns.
	if len(groupCols) > 0 && len(eqCols) > 0 {
		addSet(append(append([]string{}, eqCols...), groupCols...))
	}
	// Multiple equality columns combine on their own too.
	if len(eqCols) > 1 {
		addSet(append([]string{}, eqCols...))
	}
	// Range followed by nothing else still pairs with the sort order.
	if len(rangeCols) > 0 && len(sortCols) > 0 && len(eqCols) == 0 {
		addSet(append([]string{rangeCols[0]}, sortCols...))
	}
	return sets
}

// equalityColumns returns the table's equality-constrained columns, most
// selective first, ties broken by name so runs are deterministic. Join
// keys count as equality columns.
func (g *Generator) equalityColumns(q *sqlparse.ParsedQuery, table string) []string {
	colSet := make(map[string]bool)
	for _, p := range q.PredicatesForTable(table) {
		if p.Kind == sqlparse.KindEquality {
			colSet[p.Column] = true
		}
	}
	for _, j := range q.Joins {
		if j.LeftTable == table {
			colSet[j.LeftColumn] = true
		}
		if j.RightTable == table {
			colSet[j.RightColumn] = true
		}
	}

	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	st := g.est.TableStats(table)
	sort.Slice(cols, func(i, j int) bool {
		di, dj := int64(0), int64(0)
		if st != nil {
			if cs, ok := st.Columns[cols[i]]; ok {
				di = cs.DistinctCount
			}
			if cs, ok := st.Columns[cols[j]]; ok {
				dj = cs.DistinctCount
			}
		}
		if di != dj {
			return di > dj
		}
		return cols[i] < cols[j]
	})
	return cols
}

func rangeColumns(q *sqlparse.ParsedQuery, table string) []string {
	var cols []string
	for _, p := range q.PredicatesForTable(table) {
		if p.Kind == sqlparse.KindRange {
			cols = append(cols, p.Column)
		}
	}
	return dedupeColumns(cols)
}

func sortColumnNames(q *sqlparse.ParsedQuery, table string) []string {
	var cols []string
	for _, s := range q.SortColumns {
		if s.Table == table || s.Table == "" {
			cols = append(cols, s.Column)
		}
	}
	return dedupeColumns(cols)
}

func groupColumnNames(q *sqlparse.ParsedQuery, table string) []string {
	var cols []string
	for _, gc := range q.GroupColumns {
		if gc.Table == table || gc.Table == "" {
			cols = append(cols, gc.Column)
		}
	}
	return dedupeColumns(cols)
}

func dedupeColumns(cols []string) []string {
	seen := make(map[string]bool, len(cols))
	out := cols[:0:0]
	for _, c := range cols {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// servedByExisting reports whether an existing index already starts with
// the candidate's exact column sequence.
func (g *Generator) servedByExisting(cand IndexCandidate) bool {
	for _, idx := range g.existing[cand.Table] {
		if len(idx.Columns) < len(cand.Columns) {
			continue
		}
		match := true
		for i, c := range cand.Columns {
			if idx.Columns[i] != c {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
