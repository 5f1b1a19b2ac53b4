package hypo

import (
	"context"
	"sync"
)

// MemoryBridge is an in-memory Bridge for tests. Costs come from CostFn,
// which sees the statement and the hypothetical indexes active at call
// time; sizes come from SizeBytes keyed by IndexSpec.Key().
type MemoryBridge struct {
	mu      sync.Mutex
	nextOID uint64
	active  map[uint64]IndexSpec

	// CostFn computes the planner cost for a statement given the active
	// hypothetical indexes. Nil means every statement costs zero.
	CostFn func(sql string, active []IndexSpec) float64
	// SizeBytes maps IndexSpec.Key() to the reported relation size.
	SizeBytes map[string]int64
	// Unavailable makes every call fail with ErrBridgeUnavailable.
	Unavailable bool
}

// NewMemoryBridge creates an empty MemoryBridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{
		nextOID:   100000,
		active:    make(map[uint64]IndexSpec),
		SizeBytes: make(map[string]int64),
	}
}

// ActiveSpecs returns the currently registered specs.
func (m *MemoryBridge) ActiveSpecs() []IndexSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *MemoryBridge) activeLocked() []IndexSpec {
	out := make([]IndexSpec, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

func (m *MemoryBridge) Available(ctx context.Context) (bool, error) {
	return !m.Unavailable, nil
}

func (m *MemoryBridge) Create(ctx context.Context, spec IndexSpec) (*HypoIndex, error) {
	if m.Unavailable {
		return nil, &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOID++
	oid := m.nextOID
	m.active[oid] = spec
	method := spec.Method
	if method == "" {
		method = "btree"
	}
	return &HypoIndex{OID: oid, Name: spec.Key(), Table: spec.Table, Method: method}, nil
}

func (m *MemoryBridge) Drop(ctx context.Context, oid uint64) error {
	if m.Unavailable {
		return &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, oid)
	return nil
}

func (m *MemoryBridge) ResetAll(ctx context.Context) error {
	if m.Unavailable {
		return &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[uint64]IndexSpec)
	return nil
}

func (m *MemoryBridge) List(ctx context.Context) ([]HypoIndex, error) {
	if m.Unavailable {
		return nil, &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HypoIndex, 0, len(m.active))
	for oid, s := range m.active {
		out = append(out, HypoIndex{OID: oid, Name: s.Key(), Table: s.Table, Method: s.Method})
	}
	return out, nil
}

func (m *MemoryBridge) RelationSize(ctx context.Context, oid uint64) (int64, error) {
	if m.Unavailable {
		return 0, &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.active[oid]
	if !ok {
		return 0, nil
	}
	return m.SizeBytes[spec.Key()], nil
}

func (m *MemoryBridge) PlannerCost(ctx context.Context, sql string) (float64, error) {
	if m.Unavailable {
		return 0, &ErrBridgeUnavailable{Reason: "unavailable"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CostFn == nil {
		return 0, nil
	}
	return m.CostFn(sql, m.activeLocked()), nil
}
