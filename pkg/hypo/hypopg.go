package hypo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// HypoPGBridge implements Bridge over a dedicated session. hypopg keeps
// its indexes in backend-local memory, so every call must land on the
// same connection; all calls are serialized with a mutex.
type HypoPGBridge struct {
	mu   sync.Mutex
	conn *sql.Conn
}

// NewHypoPGBridge pins one connection from the pool and verifies the
// extension is installed.
func NewHypoPGBridge(ctx context.Context, db *sql.DB) (*HypoPGBridge, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, &ErrBridgeUnavailable{Reason: err.Error()}
	}

	b := &HypoPGBridge{conn: conn}
	ok, err := b.Available(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ok {
		conn.Close()
		return nil, &ErrBridgeUnavailable{Reason: "hypopg extension is not installed (CREATE EXTENSION hypopg)"}
	}
	return b, nil
}

// Close drops all hypothetical indexes and releases the session.
func (b *HypoPGBridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	// Best effort; the backend clears its hypothetical set on disconnect
	// anyway.
	_, _ = b.conn.ExecContext(ctx, "SELECT hypopg_reset()")
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *HypoPGBridge) Available(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return false, &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}
	var ok bool
	err := b.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'hypopg')`).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check hypopg: %w", err)
	}
	return ok, nil
}

func (b *HypoPGBridge) Create(ctx context.Context, spec IndexSpec) (*HypoIndex, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}

	idx := &HypoIndex{Table: spec.Table, Method: spec.Method}
	if idx.Method == "" {
		idx.Method = "btree"
	}
	err := b.conn.QueryRowContext(ctx,
		`SELECT indexrelid, indexname FROM hypopg_create_index($1)`,
		spec.CreateStatement()).Scan(&idx.OID, &idx.Name)
	if err != nil {
		return nil, fmt.Errorf("create hypothetical index on %s: %w", spec.Table, err)
	}
	return idx, nil
}

func (b *HypoPGBridge) Drop(ctx context.Context, oid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}
	var dropped bool
	if err := b.conn.QueryRowContext(ctx, `SELECT hypopg_drop_index($1)`, oid).Scan(&dropped); err != nil {
		return fmt.Errorf("drop hypothetical index %d: %w", oid, err)
	}
	if !dropped {
		return fmt.Errorf("hypothetical index %d not found", oid)
	}
	return nil
}

func (b *HypoPGBridge) ResetAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}
	if _, err := b.conn.ExecContext(ctx, `SELECT hypopg_reset()`); err != nil {
		return fmt.Errorf("reset hypothetical indexes: %w", err)
	}
	return nil
}

func (b *HypoPGBridge) List(ctx context.Context) ([]HypoIndex, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}

	rows, err := b.conn.QueryContext(ctx,
		`SELECT indexrelid, index_name, table_name, am_name FROM hypopg_list_indexes`)
	if err != nil {
		return nil, fmt.Errorf("list hypothetical indexes: %w", err)
	}
	defer rows.Close()

	var out []HypoIndex
	for rows.Next() {
		var idx HypoIndex
		if err := rows.Scan(&idx.OID, &idx.Name, &idx.Table, &idx.Method); err != nil {
			return nil, fmt.Errorf("scan hypothetical index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (b *HypoPGBridge) RelationSize(ctx context.Context, oid uint64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return 0, &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}
	var size int64
	if err := b.conn.QueryRowContext(ctx, `SELECT hypopg_relation_size($1)`, oid).Scan(&size); err != nil {
		return 0, fmt.Errorf("hypothetical index size %d: %w", oid, err)
	}
	return size, nil
}

// PlannerCost plans the statement with EXPLAIN (FORMAT JSON) and returns
// the root node's total cost.
func (b *HypoPGBridge) PlannerCost(ctx context.Context, sqlText string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return 0, &ErrBridgeUnavailable{Reason: "bridge is closed"}
	}

	var planJSON string
	err := b.conn.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+sqlText).Scan(&planJSON)
	if err != nil {
		return 0, fmt.Errorf("plan query: %w", err)
	}
	return ExtractTotalCost(planJSON)
}

// ExtractTotalCost pulls the root plan node's Total Cost out of an
// EXPLAIN (FORMAT JSON) document.
func ExtractTotalCost(planJSON string) (float64, error) {
	var doc []struct {
		Plan struct {
			TotalCost float64 `json:"Total Cost"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(planJSON), &doc); err != nil {
		return 0, fmt.Errorf("parse plan JSON: %w", err)
	}
	if len(doc) == 0 {
		return 0, fmt.Errorf("empty plan document")
	}
	return doc[0].Plan.TotalCost, nil
}
