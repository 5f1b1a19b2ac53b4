package advisor

import (
	"context"
	"sort"
)

// ScoredCandidate is a candidate with its workload-weighted gains: for
// each helped query fingerprint, (baseline − withCandidate) × calls.
type ScoredCandidate struct {
	Candidate IndexCandidate
	Gains     map[string]float64
}

// Selection is the outcome of the greedy pass.
type Selection struct {
	Recommendations []Recommendation
	// Incomplete is set when the context expired mid-selection.
	Incomplete bool
}

type selectorEntry struct {
	cand     IndexCandidate
	gains    map[string]float64
	marginal float64
	taken    bool
}

// Select runs deterministic greedy selection by marginal improvement per
// byte. workloadBaseline is the total weighted baseline cost of the
// workload; it anchors improvement fractions.
//
// After each pick, remaining candidates on the same table sharing a
// leading-column prefix with the pick have their marginal gain
// discounted, down to zero for candidates fully shadowed by the pick.
// Selection stops when the budget is exhausted, the count cap is
// reached, no candidate clears the improvement floor, or the context
// expires (returning the partial set).
func Select(ctx context.Context, scored []ScoredCandidate, workloadBaseline float64, opts Options) Selection {
	opts = opts.withDefaults()

	entries := make([]*selectorEntry, 0, len(scored))
	for _, sc := range scored {
		total := 0.0
		for _, g := range sc.Gains {
			total += g
		}
		entries = append(entries, &selectorEntry{cand: sc.Candidate, gains: sc.Gains, marginal: total})
	}
	// Stable starting order independent of input order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].cand.Key() < entries[j].cand.Key() })

	var sel Selection
	budget := opts.SizeBudgetBytes

	for len(sel.Recommendations) < opts.MaxRecommendations {
		select {
		case <-ctx.Done():
			sel.Incomplete = true
			return sel
		default:
		}

		best := pickBest(entries, budget, opts.SizeBudgetBytes > 0, workloadBaseline, opts.MinImprovement)
		if best == nil {
			break
		}
		best.taken = true
		if opts.SizeBudgetBytes > 0 {
			budget -= best.cand.EstimatedSizeBytes
		}

		improvement := 0.0
		if workloadBaseline > 0 {
			improvement = best.marginal / workloadBaseline
			if improvement > 1 {
				improvement = 1
			}
		}
		sel.Recommendations = append(sel.Recommendations, Recommendation{
			Candidate:          best.cand,
			Improvement:        improvement,
			ImprovementPercent: improvement * 100,
			Fingerprints:       helpedFingerprints(best.gains),
			CreateStatement:    best.cand.Spec().CreateStatement(),
		})

		// Overlap discount: a pick absorbs the benefit of remaining
		// candidates it prefix-shadows on the same table.
		for _, e := range entries {
			if e.taken || e.cand.Table != best.cand.Table {
				continue
			}
			shared := commonPrefix(best.cand.Columns, e.cand.Columns)
			if shared == 0 {
				continue
			}
			if shared == len(e.cand.Columns) {
				e.marginal = 0
			} else {
				e.marginal *= 1 - float64(shared)/float64(len(e.cand.Columns))
			}
		}
	}
	return sel
}

// pickBest returns the untaken candidate with the highest marginal
// improvement per byte that fits the remaining budget and clears the
// improvement floor. Ties go to the smaller index, then to the one
// helping more queries, then to key order.
func pickBest(entries []*selectorEntry, budget int64, enforceBudget bool, baseline, minImprovement float64) *selectorEntry {
	var best *selectorEntry
	var bestRatio float64

	for _, e := range entries {
		if e.taken || e.marginal <= 0 {
			continue
		}
		if enforceBudget && e.cand.EstimatedSizeBytes > budget {
			continue
		}
		if baseline > 0 && e.marginal/baseline < minImprovement {
			continue
		}
		ratio := e.marginal / float64(maxInt64(e.cand.EstimatedSizeBytes, 1))
		if best == nil || ratio > bestRatio {
			best, bestRatio = e, ratio
			continue
		}
		if ratio != bestRatio {
			continue
		}
		switch {
		case e.cand.EstimatedSizeBytes != best.cand.EstimatedSizeBytes:
			if e.cand.EstimatedSizeBytes < best.cand.EstimatedSizeBytes {
				best = e
			}
		case len(helpedFingerprints(e.gains)) != len(helpedFingerprints(best.gains)):
			if len(helpedFingerprints(e.gains)) > len(helpedFingerprints(best.gains)) {
				best = e
			}
		case e.cand.Key() < best.cand.Key():
			best = e
		}
	}
	return best
}

func helpedFingerprints(gains map[string]float64) []string {
	out := make([]string, 0, len(gains))
	for fp, g := range gains {
		if g > 0 {
			out = append(out, fp)
		}
	}
	sort.Strings(out)
	return out
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
