// Package planhistory keeps timestamped snapshots of query plans in an
// embedded Badger store so plan regressions can be spotted after
// deploys, ANALYZE runs, or index changes.
package planhistory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/pgscope/pgscope/pkg/logger"
	"github.com/pgscope/pgscope/pkg/sqlparse"
)

const keyPrefix = "ph:"

// Snapshot is one captured plan for one query shape.
type Snapshot struct {
	QueryID    string      `json:"query_id"`
	Label      string      `json:"label,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
	SQL        string      `json:"sql"`
	PlanJSON   string      `json:"plan_json"`
	Metrics    PlanMetrics `json:"metrics"`
}

// QuerySummary is one tracked query shape with its snapshot spread.
type QuerySummary struct {
	QueryID   string    `json:"query_id"`
	SQL       string    `json:"sql"`
	Snapshots int       `json:"snapshots"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
	LastLabel string    `json:"last_label,omitempty"`
}

// Comparison contrasts two snapshots of the same query shape.
type Comparison struct {
	QueryID              string    `json:"query_id"`
	Before               *Snapshot `json:"before"`
	After                *Snapshot `json:"after"`
	ExecutionTimeDeltaMs float64   `json:"execution_time_delta_ms"`
	TotalCostDelta       float64   `json:"total_cost_delta"`
	PlanChanged          bool      `json:"plan_changed"`
	Notes                []string  `json:"notes,omitempty"`
}

// ErrNoHistory means no snapshot exists for the requested query shape.
type ErrNoHistory struct {
	QueryID string
}

func (e *ErrNoHistory) Error() string {
	return fmt.Sprintf("no plan history for query %s", e.QueryID)
}

// Store persists snapshots. Snapshots expire after the retention period
// via Badger TTLs; zero retention keeps them forever.
type Store struct {
	db        *badger.DB
	retention time.Duration
	log       logger.Logger
}

// Open opens the store at path. An empty path keeps everything in
// memory, which is what tests and ephemeral sessions want.
func Open(path string, retention time.Duration, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NoOp{}
	}
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open plan history store: %w", err)
	}
	return &Store{db: db, retention: retention, log: log}, nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryID derives the stable identifier for a statement: the first 16
// bytes of the SHA-256 of its normalized text, hex encoded. Statements
// differing only in literals share an ID; unparsable text falls back to
// hashing as-is.
func (s *Store) QueryID(sql string) string {
	text := sqlparse.Normalize(sql)
	if text == "" {
		text = strings.TrimSpace(sql)
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// Record captures a snapshot of the statement's current plan.
func (s *Store) Record(sql, label, planJSON string) (*Snapshot, error) {
	metrics, err := ExtractMetrics(planJSON)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		QueryID:    s.QueryID(sql),
		Label:      label,
		CapturedAt: time.Now().UTC(),
		SQL:        sql,
		PlanJSON:   planJSON,
		Metrics:    metrics,
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(snapshotKey(snap.QueryID, snap.CapturedAt), val)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	s.log.Debug("plan snapshot recorded", "query_id", snap.QueryID, "label", label)
	return snap, nil
}

// Snapshots returns every stored snapshot for a query shape, oldest
// first.
func (s *Store) Snapshots(queryID string) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix + queryID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &ErrNoHistory{QueryID: queryID}
	}
	// Keys are ordered by capture time already; keep it explicit.
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// List summarizes every tracked query shape.
func (s *Store) List() ([]QuerySummary, error) {
	byID := make(map[string]*QuerySummary)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			sum := byID[snap.QueryID]
			if sum == nil {
				sum = &QuerySummary{QueryID: snap.QueryID, SQL: snap.SQL, FirstAt: snap.CapturedAt}
				byID[snap.QueryID] = sum
			}
			sum.Snapshots++
			if snap.CapturedAt.Before(sum.FirstAt) {
				sum.FirstAt = snap.CapturedAt
			}
			if !snap.CapturedAt.Before(sum.LastAt) {
				sum.LastAt = snap.CapturedAt
				sum.LastLabel = snap.Label
				sum.SQL = snap.SQL
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]QuerySummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryID < out[j].QueryID })
	return out, nil
}

// Compare contrasts two snapshots of a query shape, chosen by label.
// An empty beforeLabel means the oldest snapshot, an empty afterLabel
// the newest.
func (s *Store) Compare(queryID, beforeLabel, afterLabel string) (*Comparison, error) {
	snaps, err := s.Snapshots(queryID)
	if err != nil {
		return nil, err
	}

	before, err := pickSnapshot(snaps, beforeLabel, snaps[0])
	if err != nil {
		return nil, err
	}
	after, err := pickSnapshot(snaps, afterLabel, snaps[len(snaps)-1])
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{
		QueryID:              queryID,
		Before:               before,
		After:                after,
		ExecutionTimeDeltaMs: after.Metrics.ExecutionTimeMs - before.Metrics.ExecutionTimeMs,
		TotalCostDelta:       after.Metrics.TotalCost - before.Metrics.TotalCost,
		PlanChanged:          !sameShape(before.Metrics, after.Metrics),
	}
	if cmp.PlanChanged {
		cmp.Notes = append(cmp.Notes, "plan shape changed between snapshots")
	}
	if after.Metrics.SeqScanCount > before.Metrics.SeqScanCount {
		cmp.Notes = append(cmp.Notes, "plan gained sequential scans")
	}
	if before.Metrics.ExecutionTimeMs > 0 && cmp.ExecutionTimeDeltaMs > before.Metrics.ExecutionTimeMs*0.2 {
		cmp.Notes = append(cmp.Notes, "execution time regressed more than 20%")
	}
	return cmp, nil
}

func pickSnapshot(snaps []Snapshot, label string, fallback Snapshot) (*Snapshot, error) {
	if label == "" {
		return &fallback, nil
	}
	// Newest snapshot wins when a label was reused.
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Label == label {
			return &snaps[i], nil
		}
	}
	return nil, fmt.Errorf("no snapshot labeled %q", label)
}

// Clear removes every snapshot of the given query shape, or the whole
// store when queryID is empty.
func (s *Store) Clear(queryID string) (int, error) {
	prefix := []byte(keyPrefix)
	if queryID != "" {
		prefix = []byte(keyPrefix + queryID + ":")
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear plan history: %w", err)
	}
	return len(keys), nil
}

func snapshotKey(queryID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefix, queryID, at.UnixNano()))
}
