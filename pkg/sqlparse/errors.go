package sqlparse

import "fmt"

// ParseError reports SQL that could not be parsed or is not a statement
// kind the analyzer handles.
type ParseError struct {
	SQL    string
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse %q: %s: %v", truncateSQL(e.SQL), e.Reason, e.Cause)
	}
	return fmt.Sprintf("parse %q: %s", truncateSQL(e.SQL), e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func truncateSQL(sql string) string {
	const max = 120
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
