// Package predict issues context-driven memory predictions, records
// feedback on them, and closes the loop back into the pattern log and the
// reputation ledger.
package predict

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/memory"
	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/scoring"
	"go.uber.org/zap"
)

// IDPrefix namespaces prediction ids.
const IDPrefix = "pred_"

const defaultLimit = 5

// SuggestedMemory is one predicted memory with its per-entry confidence
// (the combined retrieval score) and a human-readable reason.
type SuggestedMemory struct {
	MemoryID   string  `json:"memory_id"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Strategy is a recommended retrieval configuration for a context.
type Strategy struct {
	Weights scoring.Weights `json:"weights"`
	Limit   int             `json:"limit"`
	Filters map[string]any  `json:"filters,omitempty"`
}

// Prediction is an issued prediction, retained so feedback can reference it.
type Prediction struct {
	ID                string            `json:"prediction_id"`
	Context           string            `json:"context"`
	SuggestedMemories []SuggestedMemory `json:"suggested_memories"`
	Strategy          *Strategy         `json:"suggested_strategy,omitempty"`
	Confidence        float64           `json:"confidence"`
	Reasoning         string            `json:"reasoning"`
	OwnerID           string            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PredictRequest asks for memories likely relevant to an upcoming task.
// IncludeStrategy defaults to true when omitted.
type PredictRequest struct {
	Context         string         `json:"context"`
	Limit           int            `json:"limit,omitempty"`
	MinConfidence   float64        `json:"min_confidence,omitempty"`
	IncludeStrategy *bool          `json:"include_strategy,omitempty"`
	Filters         map[string]any `json:"filters,omitempty"`
}

// FeedbackRequest reports whether a prediction helped.
type FeedbackRequest struct {
	PredictionID  string   `json:"prediction_id"`
	WasUseful     bool     `json:"was_useful"`
	UsedMemoryIDs []string `json:"used_memory_ids,omitempty"`
}

// FeedbackResult acknowledges recorded feedback.
type FeedbackResult struct {
	PredictionID string    `json:"prediction_id"`
	WasUseful    bool      `json:"was_useful"`
	UsedMemories int       `json:"used_memories"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Persister stores issued predictions durably. May be nil.
type Persister interface {
	SavePrediction(ctx context.Context, p *Prediction) error
	GetPrediction(ctx context.Context, ownerID, id string) (*Prediction, error)
}

// ReputationSink receives usage feedback for memory authors.
type ReputationSink interface {
	RecordRetrieval(agentID string, useful bool)
}

// Engine issues predictions and routes feedback.
type Engine struct {
	memories  *memory.Service
	patterns  *pattern.Store
	persister Persister
	ledger    ReputationSink
	logger    *zap.Logger

	mu     sync.RWMutex
	issued map[string]*Prediction
}

// NewEngine wires a prediction engine. persister and ledger may be nil.
func NewEngine(memories *memory.Service, patterns *pattern.Store, persister Persister, ledger ReputationSink, logger *zap.Logger) *Engine {
	return &Engine{
		memories:  memories,
		patterns:  patterns,
		persister: persister,
		ledger:    ledger,
		logger:    logger,
		issued:    make(map[string]*Prediction),
	}
}

// Predict searches under weights learned from the context's query cluster
// and returns the results as suggestions. No matches is a valid low
// confidence outcome, not an error.
func (e *Engine) Predict(ctx context.Context, ownerID, namespace string, req PredictRequest) (*Prediction, error) {
	if strings.TrimSpace(req.Context) == "" {
		return nil, apierr.Validation("invalid_context", "context must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	weights, support := e.patterns.ClusterWeights(req.Context, pattern.Window30d, ownerID)
	id := IDPrefix + uuid.New().String()

	results, err := e.memories.SearchForPrediction(ctx, ownerID, memory.SearchRequest{
		Query:     req.Context,
		Namespace: namespace,
		Weights:   weights,
		Limit:     limit,
		MinScore:  req.MinConfidence,
		Metadata:  req.Filters,
	}, id)
	if err != nil {
		return nil, err
	}

	var strat *Strategy
	if req.IncludeStrategy == nil || *req.IncludeStrategy {
		strat = &Strategy{
			Weights: weights,
			Limit:   limit,
			Filters: dominantFilter(results),
		}
	}

	p := &Prediction{
		ID:                id,
		Context:           req.Context,
		SuggestedMemories: suggestions(results, weights, support),
		Strategy:          strat,
		Confidence:        overallConfidence(results, support),
		Reasoning:  overallReasoning(results, weights, support),
		OwnerID:    ownerID,
		CreatedAt:  time.Now(),
	}

	e.mu.Lock()
	e.issued[id] = p
	e.mu.Unlock()
	if e.persister != nil {
		if err := e.persister.SavePrediction(ctx, p); err != nil {
			e.logger.Warn("prediction persist failed", zap.String("prediction_id", id), zap.Error(err))
		}
	}
	return p, nil
}

// Suggest is the strategy-only variant of Predict. It issues no
// prediction id and records nothing, so there is nothing to give feedback
// on.
func (e *Engine) Suggest(queryContext string, ownerID string) (*Strategy, error) {
	if strings.TrimSpace(queryContext) == "" {
		return nil, apierr.Validation("invalid_context", "context must not be empty")
	}
	weights, _ := e.patterns.ClusterWeights(queryContext, pattern.Window30d, ownerID)
	return &Strategy{Weights: weights, Limit: defaultLimit}, nil
}

// Feedback records the outcome of a prediction. Feedback is cumulative:
// every call appends an observation, and repeated calls for the same
// prediction all count.
func (e *Engine) Feedback(ctx context.Context, ownerID string, req FeedbackRequest) (*FeedbackResult, error) {
	if req.PredictionID == "" {
		return nil, apierr.Validation("invalid_feedback", "prediction_id must not be empty")
	}
	p, err := e.lookup(ctx, ownerID, req.PredictionID)
	if err != nil {
		return nil, err
	}

	useful := req.WasUseful
	err = e.patterns.Record(ctx, pattern.Observation{
		Kind:         pattern.KindFeedback,
		OwnerID:      ownerID,
		QueryText:    p.Context,
		PredictionID: p.ID,
		Success:      &useful,
		UsefulIDs:    req.UsedMemoryIDs,
	})
	if err != nil {
		return nil, err
	}

	e.creditAuthors(ctx, ownerID, p, req)

	return &FeedbackResult{
		PredictionID: p.ID,
		WasUseful:    req.WasUseful,
		UsedMemories: len(req.UsedMemoryIDs),
		RecordedAt:   time.Now(),
	}, nil
}

// creditAuthors forwards the outcome to the reputation ledger for every
// agent-authored memory the feedback names. When useful feedback names no
// memories the top suggestion gets the credit.
func (e *Engine) creditAuthors(ctx context.Context, ownerID string, p *Prediction, req FeedbackRequest) {
	if e.ledger == nil {
		return
	}
	ids := req.UsedMemoryIDs
	if len(ids) == 0 && req.WasUseful && len(p.SuggestedMemories) > 0 {
		ids = []string{p.SuggestedMemories[0].MemoryID}
	}
	if len(ids) == 0 {
		return
	}
	mems, err := e.memories.ByIDs(ctx, ownerID, ids)
	if err != nil {
		e.logger.Warn("feedback author lookup failed", zap.Error(err))
		return
	}
	for _, m := range mems {
		if agentID := m.AgentID(); agentID != "" {
			e.ledger.RecordRetrieval(agentID, req.WasUseful)
		}
	}
}

func (e *Engine) lookup(ctx context.Context, ownerID, id string) (*Prediction, error) {
	e.mu.RLock()
	p, ok := e.issued[id]
	e.mu.RUnlock()
	if ok && p.OwnerID == ownerID {
		return p, nil
	}
	if e.persister != nil {
		if p, err := e.persister.GetPrediction(ctx, ownerID, id); err == nil && p != nil {
			return p, nil
		}
	}
	return nil, apierr.NotFound("prediction_not_found", "prediction does not exist").
		WithDetail("prediction_id", id)
}

// suggestions converts search results to suggestions, preserving the
// score-descending order so confidences never increase down the list.
func suggestions(results []memory.SearchResult, weights scoring.Weights, support int) []SuggestedMemory {
	out := make([]SuggestedMemory, 0, len(results))
	for _, r := range results {
		out = append(out, SuggestedMemory{
			MemoryID:   r.Memory.ID,
			Content:    r.Memory.Content,
			Confidence: r.Score,
			Reasoning:  suggestionReason(r, weights, support),
		})
	}
	return out
}

// suggestionReason explains which score component carried the result.
func suggestionReason(r memory.SearchResult, weights scoring.Weights, support int) string {
	semanticPart := r.SemanticScore * weights.Semantic
	recencyPart := r.RecencyScore * weights.Recency
	var reason string
	if semanticPart >= recencyPart {
		reason = fmt.Sprintf("strong semantic match (%.2f) to the given context", r.SemanticScore)
	} else {
		reason = fmt.Sprintf("recently stored (recency %.2f) under recency-leaning weights", r.RecencyScore)
	}
	if support >= 3 {
		reason += fmt.Sprintf("; context matches a recurring query pattern (%d similar queries)", support)
	}
	return reason
}

// overallConfidence blends the top result's score, how much history backs
// the chosen weights, and how tightly the result scores agree.
func overallConfidence(results []memory.SearchResult, support int) float64 {
	supportFactor := math.Min(float64(support)/10.0, 1.0)
	if len(results) == 0 {
		return 0.1 * supportFactor
	}
	top := results[0].Score
	agreement := 1 - scoreStdDev(results)
	c := 0.6*top + 0.2*supportFactor + 0.2*agreement
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func scoreStdDev(results []memory.SearchResult) float64 {
	if len(results) < 2 {
		return 0
	}
	var mean float64
	for _, r := range results {
		mean += r.Score
	}
	mean /= float64(len(results))
	var variance float64
	for _, r := range results {
		d := r.Score - mean
		variance += d * d
	}
	variance /= float64(len(results))
	return math.Sqrt(variance)
}

func overallReasoning(results []memory.SearchResult, weights scoring.Weights, support int) string {
	if len(results) == 0 {
		return "no stored memories scored above the threshold for this context"
	}
	base := fmt.Sprintf("ranked %d memories with semantic weight %.1f and recency weight %.1f",
		len(results), weights.Semantic, weights.Recency)
	if support >= 3 {
		return base + fmt.Sprintf(", using weights learned from %d similar past queries", support)
	}
	return base + ", using the global optimal weights"
}

// dominantFilter suggests a metadata filter when a majority of results
// share a category.
func dominantFilter(results []memory.SearchResult) map[string]any {
	if len(results) < 2 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range results {
		if v, ok := r.Memory.Metadata["category"].(string); ok && v != "" {
			counts[v]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k]*2 > len(results) {
			return map[string]any{"category": k}
		}
	}
	return nil
}
