package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleEquality(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM orders WHERE user_id = 42")
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, q.Tables)
	require.Len(t, q.Predicates, 1)
	pred := q.Predicates[0]
	assert.Equal(t, "orders", pred.Table)
	assert.Equal(t, "user_id", pred.Column)
	assert.Equal(t, "=", pred.Operator)
	assert.Equal(t, "42", pred.Value)
	assert.Equal(t, KindEquality, pred.Kind)
}

func TestFingerprintStableAcrossLiterals(t *testing.T) {
	a := Fingerprint("SELECT * FROM t WHERE id = 1")
	b := Fingerprint("SELECT * FROM t WHERE id = 2")
	c := Fingerprint("SELECT * FROM t WHERE name = 'x'")

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseConjunction(t *testing.T) {
	p := New()

	q, err := p.Parse(`SELECT id FROM orders
		WHERE status = 'shipped' AND amount > 100 AND created_at BETWEEN '2024-01-01' AND '2024-06-30'`)
	require.NoError(t, err)

	require.Len(t, q.Predicates, 3)
	assert.Equal(t, "=", q.Predicates[0].Operator)
	assert.Equal(t, KindEquality, q.Predicates[0].Kind)
	assert.Equal(t, ">", q.Predicates[1].Operator)
	assert.Equal(t, KindRange, q.Predicates[1].Kind)
	assert.Equal(t, "BETWEEN", q.Predicates[2].Operator)
	assert.Equal(t, KindRange, q.Predicates[2].Kind)
}

func TestParseSkipsDisjunction(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM t WHERE a = 1 OR b = 2")
	require.NoError(t, err)
	assert.Empty(t, q.Predicates)

	// AND of an OR keeps the AND side.
	q, err = p.Parse("SELECT * FROM t WHERE c = 3 AND (a = 1 OR b = 2)")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, "c", q.Predicates[0].Column)
}

func TestParseJoinWithAliases(t *testing.T) {
	p := New()

	q, err := p.Parse(`SELECT o.id, u.name FROM orders o
		JOIN users u ON o.user_id = u.id
		WHERE u.country = 'DE'
		ORDER BY o.created_at DESC`)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "users"}, q.Tables)
	require.Len(t, q.Joins, 1)
	assert.Equal(t, JoinKey{
		LeftTable: "orders", LeftColumn: "user_id",
		RightTable: "users", RightColumn: "id",
	}, q.Joins[0])

	require.Len(t, q.Predicates, 1)
	assert.Equal(t, "users", q.Predicates[0].Table)
	assert.Equal(t, "country", q.Predicates[0].Column)

	require.Len(t, q.SortColumns, 1)
	assert.Equal(t, SortColumn{Table: "orders", Column: "created_at", Desc: true}, q.SortColumns[0])
}

func TestParseLikePatterns(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM users WHERE email LIKE 'bob%'")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, "LIKE", q.Predicates[0].Operator)
	assert.Equal(t, KindRange, q.Predicates[0].Kind)

	// A leading wildcard cannot use a btree; no predicate extracted.
	q, err = p.Parse("SELECT * FROM users WHERE email LIKE '%@example.com'")
	require.NoError(t, err)
	assert.Empty(t, q.Predicates)
}

func TestParseInAndIsNull(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM orders WHERE status IN ('new', 'paid') AND shipped_at IS NULL")
	require.NoError(t, err)

	require.Len(t, q.Predicates, 2)
	assert.Equal(t, "IN", q.Predicates[0].Operator)
	assert.Equal(t, KindEquality, q.Predicates[0].Kind)
	assert.Equal(t, "IS NULL", q.Predicates[1].Operator)
	assert.Equal(t, KindEquality, q.Predicates[1].Kind)
}

func TestParseParamMarkers(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM orders WHERE user_id = ?")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, "user_id", q.Predicates[0].Column)
	assert.Equal(t, "=", q.Predicates[0].Operator)
	assert.Equal(t, "", q.Predicates[0].Value)
	assert.Equal(t, KindEquality, q.Predicates[0].Kind)

	q, err = p.Parse("SELECT * FROM orders WHERE amount > ? AND status IN (?, ?)")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 2)
	assert.Equal(t, KindRange, q.Predicates[0].Kind)
	assert.Equal(t, "IN", q.Predicates[1].Operator)
}

func TestParsePostgresPlaceholders(t *testing.T) {
	p := New()

	// pg_stat_statements query text carries $N markers.
	q, err := p.Parse("SELECT * FROM orders WHERE user_id = $1 AND created_at > $2")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 2)
	assert.Equal(t, "user_id", q.Predicates[0].Column)
	assert.Equal(t, KindEquality, q.Predicates[0].Kind)
	assert.Equal(t, "created_at", q.Predicates[1].Column)
	assert.Equal(t, KindRange, q.Predicates[1].Kind)

	assert.Equal(t,
		Fingerprint("SELECT * FROM t WHERE id = $1"),
		Fingerprint("SELECT * FROM t WHERE id = ?"))
}

func TestParseLiteralOnLeft(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM t WHERE 100 < amount")
	require.NoError(t, err)
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, ">", q.Predicates[0].Operator)
	assert.Equal(t, "amount", q.Predicates[0].Column)
	assert.Equal(t, "100", q.Predicates[0].Value)
}

func TestParseGroupBy(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT status, count(*) FROM orders GROUP BY status")
	require.NoError(t, err)
	require.Len(t, q.GroupColumns, 1)
	assert.Equal(t, ColumnRef{Table: "orders", Column: "status"}, q.GroupColumns[0])
}

func TestParseErrors(t *testing.T) {
	p := New()

	_, err := p.Parse("")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)

	_, err = p.Parse("SELEC * FORM t")
	require.ErrorAs(t, err, &perr)

	_, err = p.Parse("UPDATE t SET a = 1")
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "not a SELECT")
}

func TestParseTrimsSemicolon(t *testing.T) {
	p := New()

	q, err := p.Parse("SELECT * FROM t WHERE id = 1;")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, q.Tables)
}
