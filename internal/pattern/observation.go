// Package pattern accumulates usage observations (queries, retrievals,
// feedback) in an append-only log and derives the aggregate statistics
// that drive self-optimizing retrieval: most-queried terms, optimal
// weight pairs, peak query hours, and learning metrics.
package pattern

import (
	"strings"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/scoring"
)

// Kind classifies an observation.
type Kind string

const (
	KindCreate   Kind = "create"
	KindSearch   Kind = "search"
	KindRetrieve Kind = "retrieve"
	KindFeedback Kind = "feedback"
)

func (k Kind) valid() bool {
	switch k {
	case KindCreate, KindSearch, KindRetrieve, KindFeedback:
		return true
	}
	return false
}

// ResultScore captures the score components of a single result at
// observation time. Keeping the components lets the grid search re-rank
// historical results under candidate weight pairs.
type ResultScore struct {
	MemoryID string  `json:"memory_id"`
	Semantic float64 `json:"semantic"`
	Recency  float64 `json:"recency"`
}

// Observation is one logged usage event. Observations are append-only
// and never mutated after Record accepts them.
type Observation struct {
	Seq          int64            `json:"seq"`
	Kind         Kind             `json:"kind"`
	Timestamp    time.Time        `json:"timestamp"`
	OwnerID      string           `json:"owner_id"`
	Namespace    string           `json:"namespace,omitempty"`
	QueryText    string           `json:"query_text,omitempty"`
	Weights      *scoring.Weights `json:"weights,omitempty"`
	ResultIDs    []string         `json:"result_ids,omitempty"`
	Results      []ResultScore    `json:"results,omitempty"`
	LatencyMs    int64            `json:"latency_ms"`
	Success      *bool            `json:"success,omitempty"`
	PredictionID string           `json:"prediction_id,omitempty"`
	UsefulIDs    []string         `json:"useful_ids,omitempty"`
}

func (o *Observation) validate() error {
	if !o.Kind.valid() {
		return apierr.Validation("invalid_observation", "unknown observation kind").
			WithDetail("kind", string(o.Kind))
	}
	if o.LatencyMs < 0 {
		return apierr.Validation("invalid_observation", "latency must be non-negative").
			WithDetail("latency_ms", o.LatencyMs)
	}
	if o.Weights != nil {
		if err := o.Weights.Validate(); err != nil {
			return err
		}
	}
	if o.Kind == KindSearch && strings.TrimSpace(o.QueryText) == "" {
		return apierr.Validation("invalid_observation", "search observation requires query text")
	}
	if o.Kind == KindFeedback && o.PredictionID == "" {
		return apierr.Validation("invalid_observation", "feedback observation requires a prediction id")
	}
	return nil
}

// Window is a sliding aggregation window.
type Window string

const (
	Window7d  Window = "7d"
	Window30d Window = "30d"
	Window90d Window = "90d"
)

// ParseWindow maps a string to a supported window, defaulting to 30d.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "", "30d":
		return Window30d, nil
	case "7d":
		return Window7d, nil
	case "90d":
		return Window90d, nil
	}
	return "", apierr.Validation("invalid_time_range", "time range must be one of 7d, 30d, 90d").
		WithDetail("time_range", s)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case Window7d:
		return 7 * 24 * time.Hour
	case Window90d:
		return 90 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
