// Package memory implements the memory record surface: CRUD with merge
// semantics on metadata, batch creation, and weighted semantic/recency
// search over an embedding index.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/recallbricks/recalld/internal/scoring"
)

// IDPrefix is prepended to every memory id.
const IDPrefix = "mem_"

// Memory is a single stored memory record. Content and metadata may be
// updated after creation; everything else is immutable.
type Memory struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	OwnerID   string         `json:"-"`
	Namespace string         `json:"namespace,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentID returns the contributing agent recorded in metadata, if any.
// The docs' SDK writes it as "agentId"; accept snake_case too.
func (m *Memory) AgentID() string {
	for _, key := range []string{"agentId", "agent_id"} {
		if v, ok := m.Metadata[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Confidence returns the contributor-stated confidence from metadata,
// defaulting to 1.0 when absent or malformed.
func (m *Memory) Confidence() float64 {
	if v, ok := m.Metadata["confidence"]; ok {
		switch c := v.(type) {
		case float64:
			if c >= 0 && c <= 1 {
				return c
			}
		case int:
			if c == 0 || c == 1 {
				return float64(c)
			}
		}
	}
	return 1.0
}

// MatchesMetadata reports whether every filter key/value pair appears in
// the memory's metadata. Scalar values compare by string form.
func (m *Memory) MatchesMetadata(filter map[string]any) bool {
	for k, want := range filter {
		got, ok := m.Metadata[k]
		if !ok || stringify(got) != stringify(want) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// SearchResult is one weighted-search hit with its score components.
type SearchResult struct {
	Memory        *Memory `json:"memory"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score"`
	RecencyScore  float64 `json:"recency_score"`
}

// SearchRequest is a weighted search over an owner's memories.
type SearchRequest struct {
	Query     string          `json:"query"`
	Weights   scoring.Weights `json:"weights"`
	Limit     int             `json:"limit"`
	MinScore  float64         `json:"min_score"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
}

// Repository is durable memory storage. Implementations must scope every
// operation by owner.
type Repository interface {
	Insert(ctx context.Context, m *Memory) error
	Get(ctx context.Context, ownerID, id string) (*Memory, error)
	Update(ctx context.Context, m *Memory) error
	Delete(ctx context.Context, ownerID, id string) error
	List(ctx context.Context, ownerID, namespace string, offset, limit int) ([]*Memory, int, error)
	ByIDs(ctx context.Context, ownerID string, ids []string) ([]*Memory, error)
	AllForOwner(ctx context.Context, ownerID, namespace string) ([]*Memory, error)
	Count(ctx context.Context, ownerID string) (int, error)
}

// VectorIndex is the semantic pre-filter: nearest-neighbor search bounded
// to top-K so large corpora never require a linear scan.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, ownerID, namespace string) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, topK int, ownerID, namespace string) ([]IndexHit, error)
}

// IndexHit is a vector index search hit.
type IndexHit struct {
	ID       string
	Semantic float64
}
