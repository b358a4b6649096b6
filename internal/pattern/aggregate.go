package pattern

import (
	"sort"
	"time"

	"github.com/recallbricks/recalld/internal/scoring"
)

// TermCount is a query term and its frequency in the window.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// HourBucket is an hour-of-day histogram bucket.
type HourBucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// Aggregate is the derived pattern summary for a window. It is recomputed
// in full from the observation log, never incrementally merged.
type Aggregate struct {
	Window              Window          `json:"window"`
	From                time.Time       `json:"from"`
	To                  time.Time       `json:"to"`
	TotalObservations   int             `json:"total_observations"`
	MostQueried         []TermCount     `json:"most_queried"`
	AvgRetrievalMs      float64         `json:"avg_retrieval_ms"`
	PeakHours           []HourBucket    `json:"peak_hours"`
	OptimalWeights      scoring.Weights `json:"optimal_weights"`
	LabeledObservations int             `json:"labeled_observations"`
}

// neutralAggregate is what an empty window yields: well-defined zeros and
// the balanced weight pair, never an error.
func neutralAggregate(w Window, from, to time.Time) *Aggregate {
	return &Aggregate{
		Window:         w,
		From:           from,
		To:             to,
		MostQueried:    []TermCount{},
		PeakHours:      []HourBucket{},
		OptimalWeights: scoring.Balanced,
	}
}

// Patterns computes the aggregate for the window, optionally scoped to a
// single owner.
func (s *Store) Patterns(window Window, ownerID string) *Aggregate {
	to := time.Now()
	from := to.Add(-window.Duration())
	obs := s.snapshot(from, to, ownerID)
	if len(obs) == 0 {
		return neutralAggregate(window, from, to)
	}

	agg := neutralAggregate(window, from, to)
	agg.TotalObservations = len(obs)
	agg.MostQueried = topTerms(obs, s.cfg.TopTerms)
	agg.AvgRetrievalMs = avgLatency(obs)
	agg.PeakHours = peakHours(obs)

	labeled := labeledSearches(obs)
	agg.LabeledObservations = len(labeled)
	if len(labeled) >= s.cfg.MinLabeledObservations {
		agg.OptimalWeights = gridSearch(labeled)
	}
	return agg
}

// labeledSearch pairs a search observation with the useful-result ids
// confirmed by feedback.
type labeledSearch struct {
	results   []ResultScore
	usefulIDs map[string]bool
}

// labeledSearches joins feedback observations back to the search
// observations they grade, via the prediction id.
func labeledSearches(obs []Observation) []labeledSearch {
	searches := make(map[string]*Observation)
	for i := range obs {
		o := &obs[i]
		if o.Kind == KindSearch && o.PredictionID != "" && len(o.Results) > 0 {
			searches[o.PredictionID] = o
		}
	}

	var out []labeledSearch
	for i := range obs {
		o := &obs[i]
		if o.Kind != KindFeedback || o.Success == nil || !*o.Success {
			continue
		}
		src, ok := searches[o.PredictionID]
		if !ok {
			continue
		}
		useful := make(map[string]bool, len(o.UsefulIDs))
		for _, id := range o.UsefulIDs {
			useful[id] = true
		}
		if len(useful) == 0 {
			// Feedback marked useful without naming memories: credit the
			// top-ranked result.
			useful[src.Results[0].MemoryID] = true
		}
		out = append(out, labeledSearch{results: src.Results, usefulIDs: useful})
	}
	return out
}

// gridSearch walks weight pairs in 0.1 steps and returns the pair that
// maximizes mean reciprocal rank of confirmed-useful results when the
// historical result sets are re-ranked under the candidate pair. Ties go
// to the pair closest to balanced, so weights drift from {0.5,0.5} only
// on real evidence.
func gridSearch(labeled []labeledSearch) scoring.Weights {
	best := scoring.Balanced
	bestMRR := -1.0
	for step := 0; step <= 10; step++ {
		w := scoring.Weights{Semantic: float64(step) / 10, Recency: 1 - float64(step)/10}
		mrr := meanReciprocalRank(labeled, w)
		switch {
		case mrr > bestMRR:
			best, bestMRR = w, mrr
		case mrr == bestMRR && balancedDistance(w) < balancedDistance(best):
			best = w
		}
	}
	return best
}

func balancedDistance(w scoring.Weights) float64 {
	d := w.Semantic - 0.5
	if d < 0 {
		d = -d
	}
	return d
}

func meanReciprocalRank(labeled []labeledSearch, w scoring.Weights) float64 {
	if len(labeled) == 0 {
		return 0
	}
	var sum float64
	for _, ls := range labeled {
		ranked := make([]ResultScore, len(ls.results))
		copy(ranked, ls.results)
		sort.SliceStable(ranked, func(i, j int) bool {
			si := ranked[i].Semantic*w.Semantic + ranked[i].Recency*w.Recency
			sj := ranked[j].Semantic*w.Semantic + ranked[j].Recency*w.Recency
			if si != sj {
				return si > sj
			}
			return ranked[i].Semantic > ranked[j].Semantic
		})
		for rank, r := range ranked {
			if ls.usefulIDs[r.MemoryID] {
				sum += 1.0 / float64(rank+1)
				break
			}
		}
	}
	return sum / float64(len(labeled))
}

func topTerms(obs []Observation, n int) []TermCount {
	counts := make(map[string]int)
	for i := range obs {
		if obs[i].QueryText == "" {
			continue
		}
		seen := make(map[string]bool)
		for _, tok := range tokenize(obs[i].QueryText) {
			if !seen[tok] {
				seen[tok] = true
				counts[tok]++
			}
		}
	}
	terms := make([]TermCount, 0, len(counts))
	for t, c := range counts {
		terms = append(terms, TermCount{Term: t, Count: c})
	}
	sortTermCounts(terms)
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func avgLatency(obs []Observation) float64 {
	var sum int64
	var n int
	for i := range obs {
		switch obs[i].Kind {
		case KindSearch, KindRetrieve:
			sum += obs[i].LatencyMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// peakHours returns the top-2 hour-of-day buckets by observation count,
// ties broken by earlier hour.
func peakHours(obs []Observation) []HourBucket {
	var hist [24]int
	for i := range obs {
		hist[obs[i].Timestamp.Hour()]++
	}
	buckets := make([]HourBucket, 0, 24)
	for h, c := range hist {
		if c > 0 {
			buckets = append(buckets, HourBucket{Hour: h, Count: c})
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Hour < buckets[j].Hour
	})
	if len(buckets) > 2 {
		buckets = buckets[:2]
	}
	return buckets
}
