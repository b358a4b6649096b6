package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/recallbricks/recalld/internal/predict"
)

// SavePrediction stores an issued prediction so feedback survives restarts.
func (s *Store) SavePrediction(ctx context.Context, p *predict.Prediction) error {
	suggestions, err := json.Marshal(p.SuggestedMemories)
	if err != nil {
		return fmt.Errorf("encode suggestions for %s: %w", p.ID, err)
	}
	strategy, err := json.Marshal(p.Strategy)
	if err != nil {
		return fmt.Errorf("encode strategy for %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO predictions (id, owner_id, context, suggestions, strategy, confidence, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.OwnerID, p.Context, suggestions, strategy, p.Confidence, p.Reasoning, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save prediction %s: %w", p.ID, err)
	}
	return nil
}

// GetPrediction loads a prediction, scoped by owner.
func (s *Store) GetPrediction(ctx context.Context, ownerID, id string) (*predict.Prediction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_id, context, suggestions, strategy, confidence, reasoning, created_at
		FROM predictions WHERE id = $1 AND owner_id = $2`, id, ownerID)

	var p predict.Prediction
	var suggestions, strategy []byte
	err := row.Scan(&p.ID, &p.OwnerID, &p.Context, &suggestions, &strategy,
		&p.Confidence, &p.Reasoning, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction %s: %w", id, err)
	}
	if err := json.Unmarshal(suggestions, &p.SuggestedMemories); err != nil {
		return nil, fmt.Errorf("decode suggestions for %s: %w", id, err)
	}
	if err := json.Unmarshal(strategy, &p.Strategy); err != nil {
		return nil, fmt.Errorf("decode strategy for %s: %w", id, err)
	}
	return &p, nil
}
