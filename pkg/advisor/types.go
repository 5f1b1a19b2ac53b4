// Package advisor recommends indexes for an observed query workload. It
// generates candidate indexes from parsed query shapes, prices them with
// an analytical cost model anchored on planner statistics, optionally
// verifies the winners against the real planner through hypothetical
// indexes, and selects a final set greedily by improvement per byte.
package advisor

import (
	"strings"
	"time"

	"github.com/pgscope/pgscope/pkg/hypo"
)

// IndexCandidate is one proposed index. Identity is the table, the exact
// column order and the access method.
type IndexCandidate struct {
	Table              string   `json:"table"`
	Columns            []string `json:"columns"`
	Method             string   `json:"method"`
	EstimatedSizeBytes int64    `json:"estimated_size_bytes"`
	EstimatedBuildCost float64  `json:"estimated_build_cost"`
}

// Key returns the candidate's identity string.
func (c IndexCandidate) Key() string {
	return c.Table + "(" + strings.Join(c.Columns, ",") + ") USING " + c.Method
}

// Spec converts the candidate into a hypothetical index spec.
func (c IndexCandidate) Spec() hypo.IndexSpec {
	return hypo.IndexSpec{Table: c.Table, Columns: c.Columns, Method: c.Method}
}

// CostSource labels where a cost number came from.
type CostSource string

const (
	// SourceAnalytical marks costs from the built-in model.
	SourceAnalytical CostSource = "analytical"
	// SourcePlanner marks costs from EXPLAIN under hypothetical indexes.
	SourcePlanner CostSource = "planner"
)

// CostEstimate prices one query under one candidate. An empty Candidate
// key is the baseline cost with no new index.
type CostEstimate struct {
	Fingerprint  string     `json:"fingerprint"`
	Candidate    string     `json:"candidate,omitempty"`
	Cost         float64    `json:"cost"`
	RowsExamined float64    `json:"rows_examined"`
	Source       CostSource `json:"source"`
}

// Recommendation is one selected index with its projected benefit.
type Recommendation struct {
	Candidate IndexCandidate `json:"candidate"`
	// Improvement is the workload-weighted cost reduction fraction,
	// in [0, 1].
	Improvement float64 `json:"improvement"`
	// ImprovementPercent mirrors Improvement for display.
	ImprovementPercent float64 `json:"estimated_improvement_percent"`
	// Fingerprints lists the queries this index helps.
	Fingerprints    []string `json:"fingerprints"`
	CreateStatement string   `json:"create_statement"`
	// Verified is true when the improvement was confirmed by the real
	// planner through a hypothetical index.
	Verified bool `json:"verified"`
}

// Report is the outcome of one advisor run.
type Report struct {
	RunID           string           `json:"run_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Recommendations []Recommendation `json:"recommendations"`
	Notes           []string         `json:"notes,omitempty"`
	// Verified is true when every recommendation was planner-verified.
	Verified bool `json:"verified"`
	// Incomplete is true when the run hit its deadline and returned a
	// partial result.
	Incomplete bool `json:"incomplete"`
}

// Options tunes an advisor run. Zero values fall back to defaults.
type Options struct {
	// MaxIndexColumns caps composite candidate width (default 3).
	MaxIndexColumns int
	// MaxRecommendations caps the selected set (default 10).
	MaxRecommendations int
	// SizeBudgetBytes caps the combined estimated size of the selected
	// set. Zero means unlimited.
	SizeBudgetBytes int64
	// PerIndexSizeCeilingBytes discards any single candidate larger than
	// this. Zero means unlimited.
	PerIndexSizeCeilingBytes int64
	// MinImprovement is the minimum workload-weighted improvement
	// fraction for a candidate to be selected (default 0.05).
	MinImprovement float64
	// Timeout bounds the run; on expiry a partial report is returned
	// with Incomplete set (default 60s).
	Timeout time.Duration
	// Verify tests selected candidates against the planner when a
	// bridge is available (default true; set SkipVerify to disable).
	SkipVerify bool
}

func (o Options) withDefaults() Options {
	if o.MaxIndexColumns <= 0 {
		o.MaxIndexColumns = 3
	}
	if o.MaxRecommendations <= 0 {
		o.MaxRecommendations = 10
	}
	if o.MinImprovement <= 0 {
		o.MinImprovement = 0.05
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}
