package reputation

import (
	"fmt"
	"sort"

	"github.com/recallbricks/recalld/internal/apierr"
)

// Comparable metrics for agent comparison.
const (
	MetricReputation    = "reputation_score"
	MetricContributions = "total_contributions"
	MetricConfidence    = "average_confidence"
	MetricSuccessRate   = "retrieval_success_rate"
)

// ComparedAgent is one row of a comparison, ranked by the primary metric.
type ComparedAgent struct {
	AgentID              string  `json:"agent_id"`
	Rank                 int     `json:"rank"`
	ReputationScore      float64 `json:"reputation_score"`
	Tier                 string  `json:"tier"`
	TotalContributions   int64   `json:"total_contributions"`
	AverageConfidence    float64 `json:"average_confidence"`
	RetrievalSuccessRate float64 `json:"retrieval_success_rate"`
}

// Comparison ranks a set of agents and summarizes what separates them.
type Comparison struct {
	Metrics      []string        `json:"metrics"`
	Agents       []ComparedAgent `json:"agents"`
	TopPerformer string          `json:"top_performer"`
	Insights     []string        `json:"insights"`
}

// Compare ranks the named agents by the first requested metric. All named
// agents must be registered.
func (l *Ledger) Compare(agentIDs []string, metrics []string) (*Comparison, error) {
	if len(agentIDs) < 2 {
		return nil, apierr.Validation("invalid_comparison", "at least two agent ids are required")
	}
	if len(metrics) == 0 {
		metrics = []string{MetricReputation}
	}
	for _, m := range metrics {
		switch m {
		case MetricReputation, MetricContributions, MetricConfidence, MetricSuccessRate:
		default:
			return nil, apierr.Validation("invalid_comparison", "unknown metric").
				WithDetail("metric", m)
		}
	}

	rows := make([]ComparedAgent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, s, err := l.Reputation(id)
		if err != nil {
			return nil, err
		}
		successRate := newcomerSuccessRate
		if s.TotalContributions > 0 {
			successRate = float64(s.SuccessfulRetrievals) / float64(s.TotalContributions)
			if successRate > 1 {
				successRate = 1
			}
		}
		rows = append(rows, ComparedAgent{
			AgentID:              a.AgentID,
			ReputationScore:      a.ReputationScore,
			Tier:                 Tier(a.ReputationScore),
			TotalContributions:   s.TotalContributions,
			AverageConfidence:    s.AverageConfidence,
			RetrievalSuccessRate: successRate,
		})
	}

	primary := metrics[0]
	sort.Slice(rows, func(i, j int) bool {
		vi, vj := metricValue(rows[i], primary), metricValue(rows[j], primary)
		if vi != vj {
			return vi > vj
		}
		return rows[i].AgentID < rows[j].AgentID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}

	return &Comparison{
		Metrics:      metrics,
		Agents:       rows,
		TopPerformer: rows[0].AgentID,
		Insights:     insights(rows, metrics),
	}, nil
}

func metricValue(a ComparedAgent, metric string) float64 {
	switch metric {
	case MetricContributions:
		return float64(a.TotalContributions)
	case MetricConfidence:
		return a.AverageConfidence
	case MetricSuccessRate:
		return a.RetrievalSuccessRate
	default:
		return a.ReputationScore
	}
}

// insights describes the leaders per metric in plain language.
func insights(rows []ComparedAgent, metrics []string) []string {
	out := make([]string, 0, len(metrics)+1)
	out = append(out, fmt.Sprintf("%s leads overall with a %s reputation of %.2f",
		rows[0].AgentID, rows[0].Tier, rows[0].ReputationScore))
	for _, m := range metrics {
		if m == MetricReputation {
			continue
		}
		best := rows[0]
		for _, r := range rows[1:] {
			if metricValue(r, m) > metricValue(best, m) {
				best = r
			}
		}
		out = append(out, fmt.Sprintf("%s ranks highest on %s (%.2f)",
			best.AgentID, m, metricValue(best, m)))
	}
	return out
}
