package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/embedding"
	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/scoring"
	"go.uber.org/zap"
)

// ServiceConfig tunes the memory service.
type ServiceConfig struct {
	MaxAgeDays      float64 // recency horizon
	MaxContentChars int     // content length cap
	PrefilterFloor  int     // corpus size above which the vector index pre-filters
	DefaultLimit    int     // search limit when unset
}

// DefaultServiceConfig returns the documented defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxAgeDays:      scoring.DefaultMaxAgeDays,
		MaxContentChars: 8000,
		PrefilterFloor:  200,
		DefaultLimit:    10,
	}
}

// ContributionSink is notified when an agent-attributed memory is stored.
type ContributionSink interface {
	RecordContribution(agentID string, confidence float64)
}

// Service implements memory CRUD and weighted search. Every operation is
// owner-scoped; search and retrieval feed the pattern store.
type Service struct {
	repo          Repository
	index         VectorIndex
	embedder      embedding.Provider
	patterns      *pattern.Store
	contributions ContributionSink
	cfg           ServiceConfig
	logger        *zap.Logger
}

// SetContributionSink routes agent-attributed creates into the sink. Must
// be called before the service starts handling requests.
func (s *Service) SetContributionSink(sink ContributionSink) {
	s.contributions = sink
}

// NewService wires a memory service.
func NewService(repo Repository, index VectorIndex, embedder embedding.Provider, patterns *pattern.Store, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = scoring.DefaultMaxAgeDays
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 8000
	}
	if cfg.PrefilterFloor <= 0 {
		cfg.PrefilterFloor = 200
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &Service{
		repo:     repo,
		index:    index,
		embedder: embedder,
		patterns: patterns,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateRequest is the input for Create and CreateBatch.
type CreateRequest struct {
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
}

func (s *Service) validateCreate(req *CreateRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return apierr.Validation("invalid_content", "content must not be empty")
	}
	if len(req.Content) > s.cfg.MaxContentChars {
		return apierr.Validation("invalid_content", "content exceeds the maximum length").
			WithDetail("max_chars", s.cfg.MaxContentChars).
			WithDetail("length", len(req.Content))
	}
	return nil
}

// Create stores a new memory, embedding its content and indexing the vector.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Memory, error) {
	batch, err := s.CreateBatch(ctx, ownerID, []CreateRequest{req})
	if err != nil {
		return nil, err
	}
	return batch[0], nil
}

// CreateBatch stores several memories in one embedding round trip.
func (s *Service) CreateBatch(ctx context.Context, ownerID string, reqs []CreateRequest) ([]*Memory, error) {
	if len(reqs) == 0 {
		return nil, apierr.Validation("invalid_batch", "batch must contain at least one memory")
	}
	texts := make([]string, len(reqs))
	for i := range reqs {
		if err := s.validateCreate(&reqs[i]); err != nil {
			return nil, apierr.From(err).WithDetail("index", i)
		}
		texts[i] = reqs[i].Content
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, apierr.Upstream("embedding_failed", "embedding provider failed", err)
	}
	if len(vectors) != len(reqs) {
		return nil, apierr.Upstream("embedding_failed", "embedding provider returned a short batch", nil)
	}

	now := time.Now()
	out := make([]*Memory, 0, len(reqs))
	for i, req := range reqs {
		m := &Memory{
			ID:        IDPrefix + uuid.New().String(),
			Content:   req.Content,
			Embedding: vectors[i],
			Metadata:  req.Metadata,
			OwnerID:   ownerID,
			Namespace: req.Namespace,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Insert(ctx, m); err != nil {
			return nil, apierr.Upstream("storage_failed", "memory insert failed", err)
		}
		if s.index != nil {
			if err := s.index.Upsert(ctx, m.ID, m.Embedding, ownerID, m.Namespace); err != nil {
				s.logger.Warn("vector index upsert failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
		if s.contributions != nil {
			if agentID := m.AgentID(); agentID != "" {
				s.contributions.RecordContribution(agentID, m.Confidence())
			}
		}
		out = append(out, m)
	}

	_ = s.patterns.Record(ctx, pattern.Observation{
		Kind:      pattern.KindCreate,
		OwnerID:   ownerID,
		LatencyMs: time.Since(now).Milliseconds(),
	})
	return out, nil
}

// Get retrieves a memory by id and records the retrieval.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Memory, error) {
	start := time.Now()
	m, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	_ = s.patterns.Record(ctx, pattern.Observation{
		Kind:      pattern.KindRetrieve,
		OwnerID:   ownerID,
		ResultIDs: []string{id},
		LatencyMs: time.Since(start).Milliseconds(),
	})
	return m, nil
}

// UpdateRequest carries partial updates. Nil content leaves it unchanged;
// metadata merges: new keys overwrite matching existing keys, others are
// retained.
type UpdateRequest struct {
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Update applies a partial update with metadata merge semantics.
func (s *Service) Update(ctx context.Context, ownerID, id string, req UpdateRequest) (*Memory, error) {
	m, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	reembed := false
	if req.Content != nil {
		create := CreateRequest{Content: *req.Content}
		if err := s.validateCreate(&create); err != nil {
			return nil, err
		}
		if *req.Content != m.Content {
			m.Content = *req.Content
			reembed = true
		}
	}
	if len(req.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			m.Metadata[k] = v
		}
	}
	m.UpdatedAt = time.Now()

	if reembed {
		vectors, err := s.embedder.Embed(ctx, []string{m.Content})
		if err != nil {
			return nil, apierr.Upstream("embedding_failed", "embedding provider failed", err)
		}
		m.Embedding = vectors[0]
		if s.index != nil {
			if err := s.index.Upsert(ctx, m.ID, m.Embedding, ownerID, m.Namespace); err != nil {
				s.logger.Warn("vector index upsert failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
	}

	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete permanently removes a memory and its index entry. No tombstones.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("vector index delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// List returns a page of the owner's memories ordered by creation time.
func (s *Service) List(ctx context.Context, ownerID, namespace string, offset, limit int) ([]*Memory, int, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	return s.repo.List(ctx, ownerID, namespace, offset, limit)
}

// ByIDs fetches specific memories, silently dropping unknown ids.
func (s *Service) ByIDs(ctx context.Context, ownerID string, ids []string) ([]*Memory, error) {
	return s.repo.ByIDs(ctx, ownerID, ids)
}

// ListByAgents returns the owner's memories attributed to any of the named
// agents, newest first.
func (s *Service) ListByAgents(ctx context.Context, ownerID, namespace string, agentIDs []string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	wanted := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		wanted[id] = true
	}
	all, err := s.repo.AllForOwner(ctx, ownerID, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*Memory, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if wanted[all[i].AgentID()] {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Search runs a weighted semantic/recency search. Above the pre-filter
// floor, candidates come from the vector index top-K instead of a full
// scan. The search is recorded as an observation with its per-result
// score components; predictionID may be empty for plain searches.
func (s *Service) Search(ctx context.Context, ownerID string, req SearchRequest) ([]SearchResult, error) {
	results, _, err := s.searchScored(ctx, ownerID, req, "")
	return results, err
}

// SearchForPrediction is Search with the observation tagged by prediction
// id, so feedback can grade it later.
func (s *Service) SearchForPrediction(ctx context.Context, ownerID string, req SearchRequest, predictionID string) ([]SearchResult, error) {
	results, _, err := s.searchScored(ctx, ownerID, req, predictionID)
	return results, err
}

func (s *Service) searchScored(ctx context.Context, ownerID string, req SearchRequest, predictionID string) ([]SearchResult, []pattern.ResultScore, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil, apierr.Validation("invalid_query", "query must not be empty")
	}
	if err := req.Weights.Validate(); err != nil {
		return nil, nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	start := time.Now()
	vectors, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, nil, apierr.Upstream("embedding_failed", "embedding provider failed", err)
	}
	qvec := vectors[0]

	candidates, err := s.candidates(ctx, ownerID, req.Namespace, qvec, limit)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	scored := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if len(req.Metadata) > 0 && !c.mem.MatchesMetadata(req.Metadata) {
			continue
		}
		rec := scoring.RecencyScore(c.mem.CreatedAt, now, s.cfg.MaxAgeDays)
		score, err := scoring.Combined(c.semantic, rec, req.Weights)
		if err != nil {
			return nil, nil, err
		}
		scored = append(scored, SearchResult{
			Memory:        c.mem,
			Score:         score,
			SemanticScore: c.semantic,
			RecencyScore:  rec,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a := scoring.Scored{Score: scored[i].Score, Semantic: scored[i].SemanticScore, CreatedAt: scored[i].Memory.CreatedAt}
		b := scoring.Scored{Score: scored[j].Score, Semantic: scored[j].SemanticScore, CreatedAt: scored[j].Memory.CreatedAt}
		return b.Less(a)
	})

	kept := make([]SearchResult, 0, limit)
	for _, r := range scored {
		if r.Score < req.MinScore {
			continue
		}
		kept = append(kept, r)
		if len(kept) == limit {
			break
		}
	}

	resultIDs := make([]string, len(kept))
	components := make([]pattern.ResultScore, len(kept))
	for i, r := range kept {
		resultIDs[i] = r.Memory.ID
		components[i] = pattern.ResultScore{
			MemoryID: r.Memory.ID,
			Semantic: r.SemanticScore,
			Recency:  r.RecencyScore,
		}
	}
	w := req.Weights
	_ = s.patterns.Record(ctx, pattern.Observation{
		Kind:         pattern.KindSearch,
		OwnerID:      ownerID,
		Namespace:    req.Namespace,
		QueryText:    req.Query,
		Weights:      &w,
		ResultIDs:    resultIDs,
		Results:      components,
		LatencyMs:    time.Since(start).Milliseconds(),
		PredictionID: predictionID,
	})
	return kept, components, nil
}

type candidate struct {
	mem      *Memory
	semantic float64
}

// candidates produces the scoring pool: vector index top-K when the
// corpus is large, full owner scan with local cosine otherwise.
func (s *Service) candidates(ctx context.Context, ownerID, namespace string, qvec []float32, limit int) ([]candidate, error) {
	topK := limit * 4
	if topK < 20 {
		topK = 20
	}

	if s.index != nil {
		count, err := s.repo.Count(ctx, ownerID)
		if err == nil && count > s.cfg.PrefilterFloor {
			hits, err := s.index.Search(ctx, qvec, topK, ownerID, namespace)
			if err != nil {
				return nil, apierr.Upstream("index_failed", "vector index search failed", err)
			}
			ids := make([]string, len(hits))
			sem := make(map[string]float64, len(hits))
			for i, h := range hits {
				ids[i] = h.ID
				sem[h.ID] = h.Semantic
			}
			mems, err := s.repo.ByIDs(ctx, ownerID, ids)
			if err != nil {
				return nil, apierr.Upstream("storage_failed", "memory fetch failed", err)
			}
			out := make([]candidate, 0, len(mems))
			for _, m := range mems {
				out = append(out, candidate{mem: m, semantic: sem[m.ID]})
			}
			return out, nil
		}
	}

	mems, err := s.repo.AllForOwner(ctx, ownerID, namespace)
	if err != nil {
		return nil, apierr.Upstream("storage_failed", "memory scan failed", err)
	}
	out := make([]candidate, 0, len(mems))
	for _, m := range mems {
		out = append(out, candidate{mem: m, semantic: embedding.Cosine(qvec, m.Embedding)})
	}
	return out, nil
}
