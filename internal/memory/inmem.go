package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/embedding"
)

// InMemRepository is a map-backed Repository. It backs tests and lets the
// server run without PostgreSQL in development.
type InMemRepository struct {
	mu   sync.RWMutex
	rows map[string]*Memory // keyed by id
}

// NewInMemRepository creates an empty in-memory repository.
func NewInMemRepository() *InMemRepository {
	return &InMemRepository{rows: make(map[string]*Memory)}
}

func (r *InMemRepository) Insert(_ context.Context, m *Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.rows[m.ID] = &cp
	return nil
}

func (r *InMemRepository) Get(_ context.Context, ownerID, id string) (*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[id]
	if !ok || m.OwnerID != ownerID {
		return nil, apierr.NotFound("memory_not_found", "memory does not exist").WithDetail("id", id)
	}
	cp := *m
	return &cp, nil
}

func (r *InMemRepository) Update(_ context.Context, m *Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.rows[m.ID]
	if !ok || old.OwnerID != m.OwnerID {
		return apierr.NotFound("memory_not_found", "memory does not exist").WithDetail("id", m.ID)
	}
	cp := *m
	r.rows[m.ID] = &cp
	return nil
}

func (r *InMemRepository) Delete(_ context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || m.OwnerID != ownerID {
		return apierr.NotFound("memory_not_found", "memory does not exist").WithDetail("id", id)
	}
	delete(r.rows, id)
	return nil
}

func (r *InMemRepository) List(_ context.Context, ownerID, namespace string, offset, limit int) ([]*Memory, int, error) {
	all := r.allLocked(ownerID, namespace)
	total := len(all)
	if offset >= total {
		return []*Memory{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *InMemRepository) ByIDs(_ context.Context, ownerID string, ids []string) ([]*Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.rows[id]; ok && m.OwnerID == ownerID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemRepository) AllForOwner(_ context.Context, ownerID, namespace string) ([]*Memory, error) {
	return r.allLocked(ownerID, namespace), nil
}

func (r *InMemRepository) Count(_ context.Context, ownerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.rows {
		if m.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (r *InMemRepository) allLocked(ownerID, namespace string) []*Memory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Memory, 0, len(r.rows))
	for _, m := range r.rows {
		if m.OwnerID != ownerID {
			continue
		}
		if namespace != "" && m.Namespace != namespace {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// InMemIndex is a brute-force VectorIndex over the repository's vectors,
// for tests and index-less deployments.
type InMemIndex struct {
	mu   sync.RWMutex
	vecs map[string]indexedVec
}

type indexedVec struct {
	vec       []float32
	ownerID   string
	namespace string
}

// NewInMemIndex creates an empty brute-force index.
func NewInMemIndex() *InMemIndex {
	return &InMemIndex{vecs: make(map[string]indexedVec)}
}

func (ix *InMemIndex) Upsert(_ context.Context, id string, vector []float32, ownerID, namespace string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vecs[id] = indexedVec{vec: vector, ownerID: ownerID, namespace: namespace}
	return nil
}

func (ix *InMemIndex) Delete(_ context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vecs, id)
	return nil
}

func (ix *InMemIndex) Search(_ context.Context, vector []float32, topK int, ownerID, namespace string) ([]IndexHit, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	hits := make([]IndexHit, 0, len(ix.vecs))
	for id, iv := range ix.vecs {
		if iv.ownerID != ownerID {
			continue
		}
		if namespace != "" && iv.namespace != namespace {
			continue
		}
		hits = append(hits, IndexHit{ID: id, Semantic: embedding.Cosine(vector, iv.vec)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Semantic != hits[j].Semantic {
			return hits[i].Semantic > hits[j].Semantic
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
