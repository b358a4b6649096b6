package vectorstore

import (
	"context"
	"strings"

	"github.com/recallbricks/recalld/internal/memory"
)

// Index binds a Client to a collection and adapts it to the shape the
// memory service expects. Qdrant reports raw cosine in [-1,1]; scores are
// mapped to [0,1] to match local brute-force scoring.
//
// Qdrant only accepts bare UUIDs as point ids, so the memory id prefix is
// stripped before a point is addressed and restored on every hit.
type Index struct {
	client     *Client
	collection string
}

// NewIndex wraps a client for one collection.
func NewIndex(client *Client, collection string) *Index {
	return &Index{client: client, collection: collection}
}

func (x *Index) Upsert(ctx context.Context, id string, vector []float32, ownerID, namespace string) error {
	return x.client.Upsert(ctx, x.collection, pointID(id), vector, ownerID, namespace)
}

func (x *Index) Delete(ctx context.Context, id string) error {
	return x.client.Delete(ctx, x.collection, pointID(id))
}

func (x *Index) Search(ctx context.Context, vector []float32, topK int, ownerID, namespace string) ([]memory.IndexHit, error) {
	if topK < 1 {
		topK = 1
	}
	hits, err := x.client.Search(ctx, x.collection, vector, uint64(topK), ownerID, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]memory.IndexHit, 0, len(hits))
	for _, h := range hits {
		semantic := (float64(h.Score) + 1) / 2
		if semantic < 0 {
			semantic = 0
		}
		if semantic > 1 {
			semantic = 1
		}
		out = append(out, memory.IndexHit{ID: memoryID(h.ID), Semantic: semantic})
	}
	return out, nil
}

// pointID turns a memory id into the bare UUID qdrant requires.
func pointID(id string) string {
	return strings.TrimPrefix(id, memory.IDPrefix)
}

// memoryID restores the prefix on a point id coming back from qdrant.
func memoryID(id string) string {
	if id == "" || strings.HasPrefix(id, memory.IDPrefix) {
		return id
	}
	return memory.IDPrefix + id
}
