package advisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgscope/pgscope/pkg/hypo"
	"github.com/pgscope/pgscope/pkg/logger"
	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/sqlparse"
)

// Advisor orchestrates a recommendation run: parse, stats, candidates,
// costs, selection, and optional planner verification.
type Advisor struct {
	stats  pgstats.Provider
	bridge hypo.Bridge
	log    logger.Logger
}

// New creates an Advisor. bridge may be nil; runs then stay analytical
// and their recommendations are reported unverified.
func New(stats pgstats.Provider, bridge hypo.Bridge, log logger.Logger) *Advisor {
	if log == nil {
		log = logger.NoOp{}
	}
	return &Advisor{stats: stats, bridge: bridge, log: log}
}

// AnalyzeQueries runs the advisor over explicit statements, each
// weighted as a single call.
func (a *Advisor) AnalyzeQueries(ctx context.Context, sqls []string, opts Options) (*Report, error) {
	workload := make([]pgstats.WorkloadQuery, 0, len(sqls))
	for _, s := range sqls {
		workload = append(workload, pgstats.WorkloadQuery{SQL: s, Calls: 1})
	}
	return a.AnalyzeWorkload(ctx, workload, opts)
}

// AnalyzeWorkload runs the advisor over an observed workload. Queries
// that fail to parse are noted and skipped; tables without statistics
// are noted and contribute no candidates. Only a failing statistics
// connection aborts the run.
func (a *Advisor) AnalyzeWorkload(ctx context.Context, workload []pgstats.WorkloadQuery, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	report := &Report{
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
	}

	items, sqlByFingerprint := a.parseWorkload(workload, report)
	if len(items) == 0 {
		report.Notes = append(report.Notes, "no analyzable queries in workload")
		return report, nil
	}

	tables, err := a.fetchStatistics(ctx, items, report)
	if err != nil {
		return nil, err
	}

	est := NewEstimator(tables.stats)
	gen := NewGenerator(est, tables.indexes, opts.MaxIndexColumns, opts.PerIndexSizeCeilingBytes)
	candidates := gen.Generate(items)
	if len(candidates) == 0 {
		report.Notes = append(report.Notes, "no index candidates derived from workload")
		return report, nil
	}

	scored, workloadBaseline, incomplete := scoreCandidates(ctx, est, items, candidates)
	if incomplete {
		report.Incomplete = true
	}

	sel := Select(ctx, scored, workloadBaseline, opts)
	report.Recommendations = sel.Recommendations
	report.Incomplete = report.Incomplete || sel.Incomplete

	if a.bridge != nil && !opts.SkipVerify && len(report.Recommendations) > 0 {
		a.verify(ctx, report, items, sqlByFingerprint)
	} else if len(report.Recommendations) > 0 {
		report.Notes = append(report.Notes, "recommendations are analytical estimates; hypothetical index verification was not performed")
	}

	verified := len(report.Recommendations) > 0
	for _, r := range report.Recommendations {
		verified = verified && r.Verified
	}
	report.Verified = verified

	a.log.Info("advisor run complete",
		"run_id", report.RunID,
		"queries", len(items),
		"candidates", len(candidates),
		"recommendations", len(report.Recommendations),
		"verified", report.Verified,
		"incomplete", report.Incomplete,
	)
	return report, nil
}

// parseWorkload parses each statement and folds duplicates by
// fingerprint, summing their call counts.
func (a *Advisor) parseWorkload(workload []pgstats.WorkloadQuery, report *Report) ([]WorkloadItem, map[string]string) {
	parser := sqlparse.New()
	byFingerprint := make(map[string]*WorkloadItem)
	sqlByFingerprint := make(map[string]string)
	var order []string

	for _, wq := range workload {
		q, err := parser.Parse(wq.SQL)
		if err != nil {
			report.Notes = append(report.Notes, fmt.Sprintf("skipped unparsable query: %v", err))
			continue
		}
		calls := wq.Calls
		if calls <= 0 {
			calls = 1
		}
		if item, ok := byFingerprint[q.Fingerprint]; ok {
			item.Calls += calls
			continue
		}
		byFingerprint[q.Fingerprint] = &WorkloadItem{Query: q, Calls: calls}
		sqlByFingerprint[q.Fingerprint] = wq.SQL
		order = append(order, q.Fingerprint)
	}

	items := make([]WorkloadItem, 0, len(order))
	for _, fp := range order {
		items = append(items, *byFingerprint[fp])
	}
	return items, sqlByFingerprint
}

type tableData struct {
	stats   map[string]*TableStatistics
	indexes map[string][]pgstats.ExistingIndex
}

// fetchStatistics loads row counts, column stats and existing indexes
// for every referenced table, fanning out one goroutine per table.
// Missing statistics demote the table to a note; any other error aborts.
func (a *Advisor) fetchStatistics(ctx context.Context, items []WorkloadItem, report *Report) (*tableData, error) {
	tableSet := make(map[string]bool)
	for _, item := range items {
		for _, t := range item.Query.Tables {
			if t != "" {
				tableSet[t] = true
			}
		}
	}

	data := &tableData{
		stats:   make(map[string]*TableStatistics),
		indexes: make(map[string][]pgstats.ExistingIndex),
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fatalErr error
	)
	for table := range tableSet {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()

			rows, err := a.stats.TableRowCount(ctx, table)
			if err == nil {
				var cols []pgstats.ColumnStats
				cols, err = a.stats.ColumnStats(ctx, table)
				if err == nil {
					var idx []pgstats.ExistingIndex
					idx, err = a.stats.ExistingIndexes(ctx, table)
					if err == nil {
						colMap := make(map[string]pgstats.ColumnStats, len(cols))
						for _, c := range cols {
							colMap[c.Column] = c
						}
						mu.Lock()
						data.stats[table] = &TableStatistics{Rows: rows, Columns: colMap}
						data.indexes[table] = idx
						mu.Unlock()
						return
					}
				}
			}

			mu.Lock()
			defer mu.Unlock()
			var statsErr *pgstats.ErrStatsUnavailable
			if errors.As(err, &statsErr) {
				report.Notes = append(report.Notes,
					fmt.Sprintf("table %s skipped: %s", table, statsErr.Reason))
				return
			}
			if fatalErr == nil {
				fatalErr = err
			}
		}(table)
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	sort.Strings(report.Notes)
	return data, nil
}

// scoreCandidates prices every (query, candidate) pair and accumulates
// weighted gains. A context expiry mid-loop returns the partial scores.
func scoreCandidates(ctx context.Context, est *Estimator, items []WorkloadItem, candidates []IndexCandidate) ([]ScoredCandidate, float64, bool) {
	gains := make(map[string]map[string]float64, len(candidates))
	for _, c := range candidates {
		gains[c.Key()] = make(map[string]float64)
	}

	var workloadBaseline float64
	incomplete := false

scoring:
	for _, item := range items {
		baseline := est.Baseline(item.Query)
		workloadBaseline += baseline.Cost * float64(item.Calls)

		for _, cand := range candidates {
			select {
			case <-ctx.Done():
				incomplete = true
				break scoring
			default:
			}
			with := est.WithCandidate(item.Query, cand)
			if gain := (baseline.Cost - with.Cost) * float64(item.Calls); gain > 0 {
				gains[cand.Key()][item.Query.Fingerprint] += gain
			}
		}
	}

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, ScoredCandidate{Candidate: c, Gains: gains[c.Key()]})
	}
	return scored, workloadBaseline, incomplete
}

// verify replays the selected recommendations through the planner using
// hypothetical indexes, one at a time on the serialized bridge session.
// Recommendations the planner sees no benefit from are dropped. Any
// bridge failure downgrades the run to analytical with a note.
func (a *Advisor) verify(ctx context.Context, report *Report, items []WorkloadItem, sqlByFingerprint map[string]string) {
	degrade := func(err error) {
		report.Notes = append(report.Notes,
			fmt.Sprintf("hypothetical verification unavailable, keeping analytical estimates: %v", err))
	}

	ok, err := a.bridge.Available(ctx)
	if err != nil || !ok {
		if err == nil {
			err = &hypo.ErrBridgeUnavailable{Reason: "extension not installed"}
		}
		degrade(err)
		return
	}
	if err := a.bridge.ResetAll(ctx); err != nil {
		degrade(err)
		return
	}
	defer func() {
		if err := a.bridge.ResetAll(ctx); err != nil {
			a.log.Warn("failed to reset hypothetical indexes", "error", err)
		}
	}()

	// Planner baseline for every query, with no hypothetical indexes.
	plannerBaseline := make(map[string]float64, len(items))
	var workloadPlannerBaseline float64
	for _, item := range items {
		cost, err := a.bridge.PlannerCost(ctx, sqlByFingerprint[item.Query.Fingerprint])
		if err != nil {
			degrade(err)
			return
		}
		plannerBaseline[item.Query.Fingerprint] = cost
		workloadPlannerBaseline += cost * float64(item.Calls)
	}

	kept := make([]Recommendation, 0, len(report.Recommendations))
	for i := range report.Recommendations {
		rec := &report.Recommendations[i]

		idx, err := a.bridge.Create(ctx, rec.Candidate.Spec())
		if err != nil {
			degrade(err)
			return
		}

		if size, err := a.bridge.RelationSize(ctx, idx.OID); err == nil && size > 0 {
			rec.Candidate.EstimatedSizeBytes = size
		}

		var gain float64
		var helped []string
		for _, item := range items {
			fp := item.Query.Fingerprint
			cost, err := a.bridge.PlannerCost(ctx, sqlByFingerprint[fp])
			if err != nil {
				_ = a.bridge.Drop(ctx, idx.OID)
				degrade(err)
				return
			}
			if d := (plannerBaseline[fp] - cost) * float64(item.Calls); d > 0 {
				gain += d
				helped = append(helped, fp)
			}
		}
		if err := a.bridge.Drop(ctx, idx.OID); err != nil {
			degrade(err)
			return
		}

		if gain <= 0 {
			// The planner disagreed with the analytical model; an index
			// it refuses to use is not worth recommending.
			continue
		}

		if workloadPlannerBaseline > 0 {
			rec.Improvement = gain / workloadPlannerBaseline
			if rec.Improvement > 1 {
				rec.Improvement = 1
			}
			rec.ImprovementPercent = rec.Improvement * 100
		}
		if len(helped) > 0 {
			sort.Strings(helped)
			rec.Fingerprints = helped
		}
		rec.Verified = true
		kept = append(kept, *rec)
	}

	if n := len(report.Recommendations) - len(kept); n > 0 {
		report.Notes = append(report.Notes,
			fmt.Sprintf("dropped %d recommendation(s) the planner measured no improvement for", n))
	}
	report.Recommendations = kept
}
