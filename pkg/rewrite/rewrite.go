// Package rewrite flags query anti-patterns that defeat indexes or
// inflate work, with a concrete rewrite suggestion for each finding.
package rewrite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityWarning    Severity = "WARNING"
	SeveritySuggestion Severity = "SUGGESTION"
)

// Issue is one finding for one statement.
type Issue struct {
	Rule       string   `json:"rule"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion"`
}

// Rule inspects a parsed statement.
type Rule interface {
	Name() string
	Check(stmt ast.StmtNode) []Issue
}

// Analyzer runs a rule set over statements.
type Analyzer struct {
	p     *parser.Parser
	rules []Rule
}

// New creates an analyzer with the default rule set.
func New() *Analyzer {
	a := &Analyzer{p: parser.New()}
	for _, r := range defaultRules() {
		a.Register(r)
	}
	return a
}

// Register appends a rule.
func (a *Analyzer) Register(r Rule) {
	a.rules = append(a.rules, r)
}

// Analyze parses one statement and returns its findings, warnings
// first, then by rule name so output is stable.
func (a *Analyzer) Analyze(sql string) ([]Issue, error) {
	stmts, _, err := a.p.ParseSQL(strings.TrimSpace(sql))
	if err != nil {
		return nil, fmt.Errorf("parse statement: %w", err)
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("parse statement: empty input")
	}

	var issues []Issue
	for _, stmt := range stmts {
		for _, r := range a.rules {
			issues = append(issues, r.Check(stmt)...)
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return severityRank(issues[i].Severity) < severityRank(issues[j].Severity)
		}
		return issues[i].Rule < issues[j].Rule
	})
	return issues, nil
}

func severityRank(s Severity) int {
	if s == SeverityWarning {
		return 0
	}
	return 1
}
