package sqlparse

import (
	"regexp"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// pg_stat_statements reports query text with $1-style parameter markers.
// The parser only understands ?, so rewrite them before parsing.
var pgParamRe = regexp.MustCompile(`\$\d+`)

func foldPgParams(sql string) string {
	if !strings.Contains(sql, "$") {
		return sql
	}
	return pgParamRe.ReplaceAllString(sql, "?")
}

// Parser turns SQL text into ParsedQuery values. Not safe for concurrent
// use; create one per goroutine or serialize calls.
type Parser struct {
	p *parser.Parser
}

// New creates a Parser.
func New() *Parser {
	return &Parser{p: parser.New()}
}

// Fingerprint digests the statement's normalized form. Literals are
// replaced with placeholders before hashing, so statements differing only
// in literal values share a fingerprint.
func Fingerprint(sql string) string {
	_, digest := parser.NormalizeDigest(foldPgParams(sql))
	return digest.String()
}

// Normalize returns the statement with literals replaced by placeholders.
func Normalize(sql string) string {
	return parser.Normalize(foldPgParams(sql), "ON")
}

// Parse parses a single SELECT statement and extracts the columns its
// predicates, joins, grouping and ordering touch. The statement is never
// executed. Returns *ParseError for anything that cannot be analyzed.
func (pr *Parser) Parse(sql string) (*ParsedQuery, error) {
	sql = foldPgParams(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")))
	if sql == "" {
		return nil, &ParseError{SQL: sql, Reason: "empty statement"}
	}

	stmts, _, err := pr.p.ParseSQL(sql)
	if err != nil {
		return nil, &ParseError{SQL: sql, Reason: "invalid SQL", Cause: err}
	}
	if len(stmts) == 0 {
		return nil, &ParseError{SQL: sql, Reason: "no statement found"}
	}

	sel, ok := stmts[0].(*ast.SelectStmt)
	if !ok {
		return nil, &ParseError{SQL: sql, Reason: "not a SELECT statement"}
	}

	q := &ParsedQuery{
		Fingerprint: Fingerprint(sql),
		Statement:   sql,
	}
	newExtractor().selectStmt(sel, q)
	return q, nil
}
