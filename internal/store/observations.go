package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/scoring"
)

// AppendObservation persists one observation from the pattern log. The
// in-memory sequence number is not stored; the log is rebuilt in insert
// order at startup and reassigns sequence numbers.
func (s *Store) AppendObservation(ctx context.Context, obs *pattern.Observation) error {
	results, err := json.Marshal(obs.Results)
	if err != nil {
		return fmt.Errorf("encode observation results: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO observations
			(kind, owner_id, namespace, query_text, weight_semantic, weight_recency,
			 result_ids, results, latency_ms, success, prediction_id, useful_ids, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		obs.Kind, obs.OwnerID, obs.Namespace, obs.QueryText,
		weightOrNil(obs, true), weightOrNil(obs, false),
		obs.ResultIDs, results, obs.LatencyMs, obs.Success,
		nullable(obs.PredictionID), obs.UsefulIDs, obs.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

// RecentObservations loads observations since the cutoff, oldest first.
func (s *Store) RecentObservations(ctx context.Context, since time.Time) ([]pattern.Observation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, owner_id, namespace, query_text, weight_semantic, weight_recency,
		       result_ids, results, latency_ms, success, COALESCE(prediction_id, ''), useful_ids, observed_at
		FROM observations
		WHERE observed_at >= $1
		ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()

	var out []pattern.Observation
	for rows.Next() {
		var obs pattern.Observation
		var wSemantic, wRecency *float64
		var results []byte
		if err := rows.Scan(&obs.Kind, &obs.OwnerID, &obs.Namespace, &obs.QueryText,
			&wSemantic, &wRecency, &obs.ResultIDs, &results, &obs.LatencyMs,
			&obs.Success, &obs.PredictionID, &obs.UsefulIDs, &obs.Timestamp); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if wSemantic != nil && wRecency != nil {
			obs.Weights = &scoring.Weights{Semantic: *wSemantic, Recency: *wRecency}
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &obs.Results); err != nil {
				return nil, fmt.Errorf("decode observation results: %w", err)
			}
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func weightOrNil(obs *pattern.Observation, semantic bool) *float64 {
	if obs.Weights == nil {
		return nil
	}
	v := obs.Weights.Recency
	if semantic {
		v = obs.Weights.Semantic
	}
	return &v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
