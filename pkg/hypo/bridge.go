// Package hypo tests candidate indexes against the real PostgreSQL
// planner without materializing them, via the hypopg extension.
package hypo

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// IndexSpec describes a hypothetical index to create.
type IndexSpec struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	// Method is the access method: btree, hash, gin, gist or brin.
	// Empty means btree.
	Method string `json:"index_type,omitempty"`
	Unique bool   `json:"unique,omitempty"`
}

// Key identifies the spec: table, column order and method.
func (s IndexSpec) Key() string {
	m := s.Method
	if m == "" {
		m = "btree"
	}
	return s.Table + "(" + strings.Join(s.Columns, ",") + ") USING " + m
}

// CreateStatement renders the CREATE INDEX DDL for the spec. Identifiers
// are quoted.
func (s IndexSpec) CreateStatement() string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if s.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ON ")
	b.WriteString(pq.QuoteIdentifier(s.Table))
	method := s.Method
	if method == "" {
		method = "btree"
	}
	b.WriteString(" USING ")
	b.WriteString(method)
	b.WriteString(" (")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(c))
	}
	b.WriteString(")")
	return b.String()
}

// Validate rejects specs that cannot form valid DDL.
func (s IndexSpec) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("index spec: table is required")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("index spec: at least one column is required")
	}
	switch s.Method {
	case "", "btree", "hash", "gin", "gist", "brin":
	default:
		return fmt.Errorf("index spec: unsupported method %q", s.Method)
	}
	return nil
}

// HypoIndex is one hypothetical index currently registered in the
// session.
type HypoIndex struct {
	OID    uint64 `json:"index_oid"`
	Name   string `json:"index_name"`
	Table  string `json:"table_name"`
	Method string `json:"am_name"`
}

// Bridge is the hypothetical index testing surface. Hypothetical indexes
// are session-local; one Bridge owns one session.
type Bridge interface {
	// Available reports whether the extension is usable.
	Available(ctx context.Context) (bool, error)
	// Create registers a hypothetical index.
	Create(ctx context.Context, spec IndexSpec) (*HypoIndex, error)
	// Drop removes one hypothetical index by OID.
	Drop(ctx context.Context, oid uint64) error
	// ResetAll removes every hypothetical index in the session.
	ResetAll(ctx context.Context) error
	// List returns the session's hypothetical indexes.
	List(ctx context.Context) ([]HypoIndex, error)
	// RelationSize estimates a hypothetical index's on-disk size.
	RelationSize(ctx context.Context, oid uint64) (int64, error)
	// PlannerCost returns the planner's total cost for a statement under
	// the session's current hypothetical indexes. The statement is
	// planned, never executed.
	PlannerCost(ctx context.Context, sql string) (float64, error)
}

// ErrBridgeUnavailable means the hypopg extension is not installed or
// the bridge session is gone.
type ErrBridgeUnavailable struct {
	Reason string
}

func (e *ErrBridgeUnavailable) Error() string {
	return fmt.Sprintf("hypothetical index bridge unavailable: %s", e.Reason)
}
