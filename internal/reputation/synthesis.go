package reputation

import (
	"context"
	"sort"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/embedding"
	"github.com/recallbricks/recalld/internal/memory"
	"go.uber.org/zap"
)

// Synthesis knobs. Grouping uses a high cosine bar so only memories that
// say essentially the same thing merge.
const (
	defaultSimilarityFloor = 0.85

	defaultMinConfidence = 0.7
	defaultMinReputation = 0.6
)

// AgentMemories names one agent's candidate memories for synthesis. The
// stated reputation is a fallback for agents the ledger does not know.
type AgentMemories struct {
	AgentID    string   `json:"agent_id"`
	MemoryIDs  []string `json:"memory_ids"`
	Reputation float64  `json:"reputation,omitempty"`
}

// SynthesisRequest asks for reputation-weighted consensus on a topic.
type SynthesisRequest struct {
	Topic         string          `json:"topic"`
	Agents        []AgentMemories `json:"agent_memories"`
	MinConfidence float64         `json:"min_confidence,omitempty"`
	MinReputation float64         `json:"min_reputation,omitempty"`
}

// SynthesizedMemory is one consensus group that survived the confidence
// threshold.
type SynthesizedMemory struct {
	Content            string   `json:"content"`
	Confidence         float64  `json:"confidence"`
	ContributingAgents []string `json:"contributing_agents"`
	SourceMemoryIDs    []string `json:"source_memory_ids"`
}

// Contributor is an agent's normalized share of the surviving consensus.
type Contributor struct {
	AgentID      string  `json:"agent_id"`
	Contribution float64 `json:"contribution"`
}

// SynthesisResult is the synthesis outcome.
type SynthesisResult struct {
	Topic               string              `json:"topic"`
	SynthesizedMemories []SynthesizedMemory `json:"synthesized_memories"`
	TopContributors     []Contributor       `json:"top_contributors"`
	AggregateConfidence float64             `json:"aggregate_confidence"`
	AgentsConsidered    int                 `json:"agents_considered"`
	SynthesizedAt       time.Time           `json:"synthesized_at"`
}

// MemoryFetcher resolves memory ids to their stored records.
type MemoryFetcher interface {
	ByIDs(ctx context.Context, ownerID string, ids []string) ([]*memory.Memory, error)
}

// SynthesisEngine merges multiple agents' memories into consensus,
// weighting each memory by its confidence and its author's reputation.
type SynthesisEngine struct {
	ledger          *Ledger
	memories        MemoryFetcher
	embedder        embedding.Provider
	similarityFloor float64
	logger          *zap.Logger
}

// NewSynthesisEngine wires a synthesis engine over the ledger. A
// non-positive similarityFloor falls back to the default 0.85.
func NewSynthesisEngine(ledger *Ledger, memories MemoryFetcher, embedder embedding.Provider, similarityFloor float64, logger *zap.Logger) *SynthesisEngine {
	if similarityFloor <= 0 {
		similarityFloor = defaultSimilarityFloor
	}
	return &SynthesisEngine{ledger: ledger, memories: memories, embedder: embedder, similarityFloor: similarityFloor, logger: logger}
}

type weightedMemory struct {
	agentID string
	mem     *memory.Memory
	weight  float64
}

// Synthesize runs reputation-weighted consensus. Agents below the
// reputation threshold are excluded up front; if none remain the call
// fails with insufficient_agents. An empty result with no surviving
// consensus group is not an error.
func (e *SynthesisEngine) Synthesize(ctx context.Context, ownerID string, req SynthesisRequest) (*SynthesisResult, error) {
	if req.Topic == "" {
		return nil, apierr.Validation("invalid_synthesis", "topic must not be empty")
	}
	if len(req.Agents) == 0 {
		return nil, apierr.Validation("invalid_synthesis", "agent_memories must not be empty")
	}
	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}
	minReputation := req.MinReputation
	if minReputation <= 0 {
		minReputation = defaultMinReputation
	}

	eligible := make([]AgentMemories, 0, len(req.Agents))
	repByAgent := make(map[string]float64, len(req.Agents))
	for _, am := range req.Agents {
		rep, ok := e.ledger.Score(am.AgentID)
		if !ok {
			rep = am.Reputation
		}
		if rep < minReputation {
			continue
		}
		repByAgent[am.AgentID] = rep
		eligible = append(eligible, am)
	}
	if len(eligible) == 0 {
		return nil, apierr.InsufficientData("insufficient_agents",
			"no agent meets the reputation threshold").
			WithDetail("min_reputation", minReputation)
	}

	candidates, err := e.collect(ctx, ownerID, eligible, repByAgent)
	if err != nil {
		return nil, err
	}

	groups, err := e.cluster(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var totalWeight float64
	for _, c := range candidates {
		totalWeight += c.weight
	}

	result := &SynthesisResult{
		Topic:               req.Topic,
		SynthesizedMemories: []SynthesizedMemory{},
		TopContributors:     []Contributor{},
		AgentsConsidered:    len(eligible),
		SynthesizedAt:       time.Now(),
	}
	if totalWeight == 0 {
		return result, nil
	}

	// A group's confidence is the reputation-weighted mean of its members'
	// confidences, so each group is judged on its own agreement rather
	// than its share of the whole candidate pool.
	contribution := make(map[string]float64)
	var confidenceSum float64
	for _, group := range groups {
		var groupWeight, groupRep float64
		agents := make([]string, 0, len(group))
		ids := make([]string, 0, len(group))
		seen := make(map[string]bool, len(group))
		best := group[0]
		for _, c := range group {
			groupWeight += c.weight
			groupRep += repByAgent[c.agentID]
			ids = append(ids, c.mem.ID)
			if !seen[c.agentID] {
				seen[c.agentID] = true
				agents = append(agents, c.agentID)
			}
			if c.weight > best.weight {
				best = c
			}
		}
		if groupRep == 0 {
			continue
		}
		confidence := groupWeight / groupRep
		if confidence < minConfidence {
			continue
		}
		sort.Strings(agents)
		for _, c := range group {
			contribution[c.agentID] += c.weight
		}
		confidenceSum += confidence
		result.SynthesizedMemories = append(result.SynthesizedMemories, SynthesizedMemory{
			Content:            best.mem.Content,
			Confidence:         confidence,
			ContributingAgents: agents,
			SourceMemoryIDs:    ids,
		})
	}

	if n := len(result.SynthesizedMemories); n > 0 {
		result.AggregateConfidence = confidenceSum / float64(n)
	}
	result.TopContributors = normalizeContributors(contribution)
	return result, nil
}

// collect resolves every eligible agent's memories and weights each by
// confidence times reputation. Unknown ids are skipped, not fatal.
func (e *SynthesisEngine) collect(ctx context.Context, ownerID string, eligible []AgentMemories, rep map[string]float64) ([]weightedMemory, error) {
	var out []weightedMemory
	for _, am := range eligible {
		mems, err := e.memories.ByIDs(ctx, ownerID, am.MemoryIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range mems {
			out = append(out, weightedMemory{
				agentID: am.AgentID,
				mem:     m,
				weight:  m.Confidence() * rep[am.AgentID],
			})
		}
	}
	return out, nil
}

// cluster greedily groups candidates whose contents agree at or above the
// consensus similarity floor. Stored embeddings are reused; memories
// loaded without one are embedded here.
func (e *SynthesisEngine) cluster(ctx context.Context, candidates []weightedMemory) ([][]weightedMemory, error) {
	vectors := make([][]float32, len(candidates))
	var missing []int
	var texts []string
	for i, c := range candidates {
		if len(c.mem.Embedding) > 0 {
			vectors[i] = c.mem.Embedding
			continue
		}
		missing = append(missing, i)
		texts = append(texts, c.mem.Content)
	}
	if len(missing) > 0 {
		embedded, err := e.embedder.Embed(ctx, texts)
		if err != nil || len(embedded) != len(missing) {
			return nil, apierr.Upstream("embedding_failed", "embedding provider unavailable", err)
		}
		for j, i := range missing {
			vectors[i] = embedded[j]
		}
	}

	var groups [][]weightedMemory
	var reps [][]float32
	for i, c := range candidates {
		placed := false
		for g := range groups {
			if embedding.Cosine(vectors[i], reps[g]) >= e.similarityFloor {
				groups[g] = append(groups[g], c)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []weightedMemory{c})
			reps = append(reps, vectors[i])
		}
	}
	return groups, nil
}

func normalizeContributors(contribution map[string]float64) []Contributor {
	var total float64
	for _, v := range contribution {
		total += v
	}
	out := make([]Contributor, 0, len(contribution))
	for id, v := range contribution {
		share := 0.0
		if total > 0 {
			share = v / total
		}
		out = append(out, Contributor{AgentID: id, Contribution: share})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contribution != out[j].Contribution {
			return out[i].Contribution > out[j].Contribution
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
