package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/recallbricks/recalld/internal/reputation"
)

// SaveAgent upserts an agent together with its reputation counters.
func (s *Store) SaveAgent(ctx context.Context, a *reputation.Agent, st *reputation.Stats) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", a.AgentID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents
			(agent_id, role, capabilities, metadata, reputation_score,
			 total_contributions, successful_retrievals, average_confidence, consistency_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_id) DO UPDATE SET
			role = EXCLUDED.role,
			capabilities = EXCLUDED.capabilities,
			metadata = EXCLUDED.metadata,
			reputation_score = EXCLUDED.reputation_score,
			total_contributions = EXCLUDED.total_contributions,
			successful_retrievals = EXCLUDED.successful_retrievals,
			average_confidence = EXCLUDED.average_confidence,
			consistency_score = EXCLUDED.consistency_score`,
		a.AgentID, a.Role, a.Capabilities, metadata, a.ReputationScore,
		st.TotalContributions, st.SuccessfulRetrievals, st.AverageConfidence,
		st.ConsistencyScore, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.AgentID, err)
	}
	return nil
}

// LoadAgents returns every agent and its counters.
func (s *Store) LoadAgents(ctx context.Context) ([]reputation.Agent, []reputation.Stats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_id, role, capabilities, metadata, reputation_score,
		       total_contributions, successful_retrievals, average_confidence, consistency_score, created_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []reputation.Agent
	var stats []reputation.Stats
	for rows.Next() {
		var a reputation.Agent
		var st reputation.Stats
		var metadata []byte
		if err := rows.Scan(&a.AgentID, &a.Role, &a.Capabilities, &metadata,
			&a.ReputationScore, &st.TotalContributions, &st.SuccessfulRetrievals,
			&st.AverageConfidence, &st.ConsistencyScore, &a.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan agent: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, nil, fmt.Errorf("decode metadata for %s: %w", a.AgentID, err)
			}
		}
		st.AgentID = a.AgentID
		agents = append(agents, a)
		stats = append(stats, st)
	}
	return agents, stats, rows.Err()
}
