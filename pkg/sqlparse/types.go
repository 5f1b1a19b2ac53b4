package sqlparse

// PredicateKind classifies how a predicate can use a btree index.
type PredicateKind int

const (
	// KindEquality covers =, IN and IS NULL.
	KindEquality PredicateKind = iota
	// KindRange covers <, >, <=, >=, BETWEEN and prefix LIKE.
	KindRange
)

// ColumnPredicate is one indexable condition on a single column.
type ColumnPredicate struct {
	Table    string
	Column   string
	Operator string
	// Value holds the literal text when the column is compared against a
	// single literal. Used as a selectivity hint against MCV stats; empty
	// for IN lists, BETWEEN and column-to-column comparisons.
	Value string
	Kind  PredicateKind
}

// JoinKey is an equi-join condition between two tables.
type JoinKey struct {
	LeftTable   string
	LeftColumn  string
	RightTable  string
	RightColumn string
}

// SortColumn is one ORDER BY key.
type SortColumn struct {
	Table  string
	Column string
	Desc   bool
}

// ColumnRef names a column, possibly qualified.
type ColumnRef struct {
	Table  string
	Column string
}

// ParsedQuery is the normalized shape of one SELECT statement. It is
// produced once by Parse and not mutated afterwards.
type ParsedQuery struct {
	// Fingerprint identifies the statement's structure; two statements
	// differing only in literal values share a fingerprint.
	Fingerprint string
	// Statement is the original SQL text.
	Statement    string
	Tables       []string
	Predicates   []ColumnPredicate
	Joins        []JoinKey
	SortColumns  []SortColumn
	GroupColumns []ColumnRef
}

// PredicatesForTable returns the predicates attributed to the given table.
func (q *ParsedQuery) PredicatesForTable(table string) []ColumnPredicate {
	var out []ColumnPredicate
	for _, p := range q.Predicates {
		if p.Table == table {
			out = append(out, p)
		}
	}
	return out
}
