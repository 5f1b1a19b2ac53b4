package pgstats

import (
	"context"
	"sync"
)

// MemoryProvider is a deterministic in-memory Provider for tests and
// offline analysis.
type MemoryProvider struct {
	mu        sync.RWMutex
	rowCounts map[string]int64
	columns   map[string][]ColumnStats
	indexes   map[string][]ExistingIndex
	queries   map[string]QueryStats
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		rowCounts: make(map[string]int64),
		columns:   make(map[string][]ColumnStats),
		indexes:   make(map[string][]ExistingIndex),
		queries:   make(map[string]QueryStats),
	}
}

// SetTableRowCount registers a table's row count.
func (m *MemoryProvider) SetTableRowCount(table string, rows int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rowCounts[table] = rows
}

// SetColumnStats registers column statistics for a table.
func (m *MemoryProvider) SetColumnStats(table string, stats ...ColumnStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns[table] = append(m.columns[table], stats...)
}

// SetExistingIndexes registers a table's indexes.
func (m *MemoryProvider) SetExistingIndexes(table string, idx ...ExistingIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[table] = append(m.indexes[table], idx...)
}

// SetQueryStats registers execution stats for a fingerprint.
func (m *MemoryProvider) SetQueryStats(fingerprint string, qs QueryStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs.Fingerprint = fingerprint
	m.queries[fingerprint] = qs
}

func (m *MemoryProvider) ColumnStats(ctx context.Context, table string) ([]ColumnStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.columns[table]
	if !ok {
		return nil, NewErrStatsUnavailable(table, "no stats registered")
	}
	out := make([]ColumnStats, len(stats))
	copy(out, stats)
	return out, nil
}

func (m *MemoryProvider) TableRowCount(ctx context.Context, table string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rowCounts[table]
	if !ok {
		return 0, NewErrStatsUnavailable(table, "no row count registered")
	}
	return rows, nil
}

func (m *MemoryProvider) ExistingIndexes(ctx context.Context, table string) ([]ExistingIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExistingIndex, len(m.indexes[table]))
	copy(out, m.indexes[table])
	return out, nil
}

func (m *MemoryProvider) QueryStats(ctx context.Context, fingerprint string) (*QueryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qs, ok := m.queries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &qs, nil
}
