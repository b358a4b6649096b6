// Package scoring implements the combined relevance score used across
// search, prediction, and synthesis: a weighted blend of semantic
// similarity and recency.
package scoring

import (
	"math"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
)

// DefaultMaxAgeDays is the recency horizon: memories older than this
// score zero on the recency axis.
const DefaultMaxAgeDays = 365.0

const weightTolerance = 1e-6

// Weights is a semantic/recency weight pair. Valid weights are
// non-negative and sum to 1.0 within floating tolerance.
type Weights struct {
	Semantic float64 `json:"semantic"`
	Recency  float64 `json:"recency"`
}

// Balanced is the neutral weight pair used when nothing has been learned.
var Balanced = Weights{Semantic: 0.5, Recency: 0.5}

// Validate checks the weight pair invariant.
func (w Weights) Validate() error {
	if w.Semantic < 0 || w.Recency < 0 {
		return apierr.Validation("invalid_weights", "weights must be non-negative").
			WithDetail("semantic", w.Semantic).WithDetail("recency", w.Recency)
	}
	if math.Abs(w.Semantic+w.Recency-1.0) > weightTolerance {
		return apierr.Validation("invalid_weights", "weights must sum to 1.0").
			WithDetail("sum", w.Semantic+w.Recency)
	}
	return nil
}

// Combined computes the weighted relevance score. Both inputs are
// expected in [0,1]; the result is clamped to [0,1].
func Combined(semanticSim, recencyScore float64, w Weights) (float64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}
	s := semanticSim*w.Semantic + recencyScore*w.Recency
	return clamp01(s), nil
}

// RecencyScore converts an age into a normalized inverse-age score:
// max(0, 1 - ageDays/maxAgeDays).
func RecencyScore(createdAt, now time.Time, maxAgeDays float64) float64 {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Max(0, 1-ageDays/maxAgeDays)
}

// Scored is anything ranked by the combined score with deterministic
// tie-breaking: equal scores fall back to semantic similarity (higher
// wins), then creation time (newer wins).
type Scored struct {
	Score     float64
	Semantic  float64
	Recency   float64
	CreatedAt time.Time
}

// Less reports whether a ranks strictly after b (for descending sort,
// use !Less for the better element first).
func (a Scored) Less(b Scored) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Semantic != b.Semantic {
		return a.Semantic < b.Semantic
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
