// Package reputation tracks per-agent contribution statistics, derives
// composite reputation scores on a schedule, and runs reputation-weighted
// consensus synthesis across agents' candidate memories.
package reputation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
	"go.uber.org/zap"
)

// Reputation formula weights. Fixed and documented; not configurable.
const (
	weightSuccessRate   = 0.4
	weightAvgConfidence = 0.3
	weightConsistency   = 0.2
	weightVolume        = 0.1

	volumeCeiling = 1000.0

	// Agents with no contributions get this success rate instead of 0,
	// so the formula does not bias against newcomers.
	newcomerSuccessRate = 0.5
)

// Agent is a registered collaborating agent.
type Agent struct {
	AgentID         string         `json:"agent_id"`
	Role            string         `json:"role"`
	Capabilities    []string       `json:"capabilities"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ReputationScore float64        `json:"reputation_score"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Stats are the raw per-agent counters. Writes only touch counters; the
// derived reputation score is recomputed separately.
type Stats struct {
	AgentID              string  `json:"agent_id"`
	TotalContributions   int64   `json:"total_contributions"`
	SuccessfulRetrievals int64   `json:"successful_retrievals"`
	AverageConfidence    float64 `json:"average_confidence"`
	ConsistencyScore     float64 `json:"consistency_score"`
}

// Persister stores agents durably. May be nil for volatile deployments.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent, s *Stats) error
	LoadAgents(ctx context.Context) ([]Agent, []Stats, error)
}

type agentState struct {
	agent Agent
	stats Stats
	// confidenceSum backs the running average.
	confidenceSum float64
	confidenceN   int64
	// history holds per-period reputation scores for the consistency term.
	history []float64
}

// Ledger is the reputation ledger. Counter updates and score reads take
// the lock briefly; the scheduled recompute reads a snapshot of the
// counters and writes back only derived fields, so feedback arriving
// mid-recompute is never lost.
type Ledger struct {
	mu        sync.RWMutex
	agents    map[string]*agentState
	persister Persister
	logger    *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(persister Persister, logger *zap.Logger) *Ledger {
	return &Ledger{
		agents:    make(map[string]*agentState),
		persister: persister,
		logger:    logger,
	}
}

// Load restores agents from the persister at startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	agents, stats, err := l.persister.LoadAgents(ctx)
	if err != nil {
		return err
	}
	statsByID := make(map[string]Stats, len(stats))
	for _, s := range stats {
		statsByID[s.AgentID] = s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range agents {
		st := &agentState{agent: a, stats: statsByID[a.AgentID]}
		st.stats.AgentID = a.AgentID
		st.confidenceSum = st.stats.AverageConfidence * float64(st.stats.TotalContributions)
		st.confidenceN = st.stats.TotalContributions
		l.agents[a.AgentID] = st
	}
	l.logger.Info("reputation ledger restored", zap.Int("agents", len(agents)))
	return nil
}

// Register creates an agent. Registration is one-time; re-registering an
// existing id fails.
func (l *Ledger) Register(ctx context.Context, agentID, role string, capabilities []string, metadata map[string]any) (*Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apierr.Validation("invalid_agent", "agent_id must not be empty")
	}
	if strings.TrimSpace(role) == "" {
		return nil, apierr.Validation("invalid_agent", "role must not be empty")
	}

	l.mu.Lock()
	if _, exists := l.agents[agentID]; exists {
		l.mu.Unlock()
		return nil, apierr.Validation("agent_exists", "agent is already registered").
			WithDetail("agent_id", agentID)
	}
	st := &agentState{
		agent: Agent{
			AgentID:      agentID,
			Role:         role,
			Capabilities: capabilities,
			Metadata:     metadata,
			CreatedAt:    time.Now(),
		},
		stats: Stats{AgentID: agentID, ConsistencyScore: 1},
	}
	st.agent.ReputationScore = computeReputation(st.stats)
	l.agents[agentID] = st
	a := st.agent
	s := st.stats
	l.mu.Unlock()

	l.persist(ctx, &a, &s)
	return &a, nil
}

// UpdateAgent replaces capabilities and merges metadata for an existing agent.
func (l *Ledger) UpdateAgent(ctx context.Context, agentID string, capabilities []string, metadata map[string]any) (*Agent, error) {
	l.mu.Lock()
	st, ok := l.agents[agentID]
	if !ok {
		l.mu.Unlock()
		return nil, agentNotFound(agentID)
	}
	if capabilities != nil {
		st.agent.Capabilities = capabilities
	}
	if len(metadata) > 0 {
		if st.agent.Metadata == nil {
			st.agent.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			st.agent.Metadata[k] = v
		}
	}
	a := st.agent
	s := st.stats
	l.mu.Unlock()

	l.persist(ctx, &a, &s)
	return &a, nil
}

// RecordContribution counts a memory contributed by the agent, with the
// contributor's stated confidence. Unregistered agents are ignored.
func (l *Ledger) RecordContribution(agentID string, confidence float64) {
	if agentID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.agents[agentID]
	if !ok {
		return
	}
	st.stats.TotalContributions++
	st.confidenceSum += confidence
	st.confidenceN++
	st.stats.AverageConfidence = st.confidenceSum / float64(st.confidenceN)
}

// RecordRetrieval counts feedback on an agent's memory being used.
func (l *Ledger) RecordRetrieval(agentID string, useful bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.agents[agentID]
	if !ok {
		return
	}
	if useful {
		st.stats.SuccessfulRetrievals++
	}
}

// Reputation returns the agent and its current stats snapshot. Reads are
// idempotent: no intervening write, identical result.
func (l *Ledger) Reputation(agentID string) (*Agent, *Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.agents[agentID]
	if !ok {
		return nil, nil, agentNotFound(agentID)
	}
	a := st.agent
	s := st.stats
	return &a, &s, nil
}

// Score returns just the reputation score, with ok=false for unknown agents.
func (l *Ledger) Score(agentID string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.agents[agentID]
	if !ok {
		return 0, false
	}
	return st.agent.ReputationScore, true
}

// List returns all registered agents.
func (l *Ledger) List() []Agent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Agent, 0, len(l.agents))
	for _, st := range l.agents {
		out = append(out, st.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Recompute derives fresh reputation scores from a stable snapshot of the
// counters and writes back only the derived fields. Runs on a schedule
// (daily by default); counters keep accumulating while it runs.
func (l *Ledger) Recompute(ctx context.Context) int {
	l.mu.RLock()
	snapshot := make(map[string]Stats, len(l.agents))
	for id, st := range l.agents {
		snapshot[id] = st.stats
	}
	l.mu.RUnlock()

	derived := make(map[string]float64, len(snapshot))
	for id, s := range snapshot {
		derived[id] = computeReputation(s)
	}

	updated := 0
	l.mu.Lock()
	for id, score := range derived {
		st, ok := l.agents[id]
		if !ok {
			continue
		}
		st.history = append(st.history, score)
		st.stats.ConsistencyScore = consistency(st.history)
		st.agent.ReputationScore = score
		updated++
	}
	l.mu.Unlock()

	if l.persister != nil {
		for _, a := range l.List() {
			if _, s, err := l.Reputation(a.AgentID); err == nil {
				l.persist(ctx, &a, s)
			}
		}
	}
	l.logger.Info("reputation recompute complete", zap.Int("agents", updated))
	return updated
}

// computeReputation applies the documented composite formula to a stats
// snapshot.
func computeReputation(s Stats) float64 {
	successRate := newcomerSuccessRate
	if s.TotalContributions > 0 {
		successRate = float64(s.SuccessfulRetrievals) / float64(s.TotalContributions)
		if successRate > 1 {
			successRate = 1
		}
	}
	volume := float64(s.TotalContributions) / volumeCeiling
	if volume > 1 {
		volume = 1
	}
	consistencyScore := s.ConsistencyScore
	score := weightSuccessRate*successRate +
		weightAvgConfidence*s.AverageConfidence +
		weightConsistency*consistencyScore +
		weightVolume*volume
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// consistency is 1 minus the normalized variance of the reputation
// history: stable agents score high. An empty or single-entry history has
// no observed instability and scores 1.
func consistency(history []float64) float64 {
	if len(history) < 2 {
		return 1
	}
	var mean float64
	for _, v := range history {
		mean += v
	}
	mean /= float64(len(history))
	var variance float64
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(history))
	// Scores live in [0,1], so variance is bounded by 0.25; normalize to
	// that bound.
	c := 1 - variance/0.25
	if c < 0 {
		return 0
	}
	return c
}

// Tier maps a reputation score to the documented tier label.
func Tier(score float64) string {
	switch {
	case score >= 0.9:
		return "platinum"
	case score >= 0.75:
		return "gold"
	case score >= 0.6:
		return "silver"
	default:
		return "bronze"
	}
}

func agentNotFound(agentID string) error {
	return apierr.NotFound("agent_not_found", "agent is not registered").
		WithDetail("agent_id", agentID)
}

func (l *Ledger) persist(ctx context.Context, a *Agent, s *Stats) {
	if l.persister == nil {
		return
	}
	if err := l.persister.SaveAgent(ctx, a, s); err != nil {
		l.logger.Warn("agent persist failed", zap.String("agent_id", a.AgentID), zap.Error(err))
	}
}
