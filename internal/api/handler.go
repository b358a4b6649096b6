// Package api is the HTTP surface: memory CRUD and search, the
// metacognition endpoints, and the collaboration endpoints. Every
// response uses the success/data/error envelope.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/memory"
	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/predict"
	"github.com/recallbricks/recalld/internal/reputation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	memories  *memory.Service
	engine    *predict.Engine
	patterns  *pattern.Store
	ledger    *reputation.Ledger
	synthesis *reputation.SynthesisEngine
	redis     *redis.Client
	logger    *zap.Logger

	apiKeys           map[string]string
	requestsPerMinute int
}

// NewHandler creates a new API handler. redis may be nil, which disables
// rate limiting.
func NewHandler(
	memories *memory.Service,
	engine *predict.Engine,
	patterns *pattern.Store,
	ledger *reputation.Ledger,
	synthesis *reputation.SynthesisEngine,
	redisClient *redis.Client,
	apiKeys map[string]string,
	requestsPerMinute int,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		memories:          memories,
		engine:            engine,
		patterns:          patterns,
		ledger:            ledger,
		synthesis:         synthesis,
		redis:             redisClient,
		logger:            logger,
		apiKeys:           apiKeys,
		requestsPerMinute: requestsPerMinute,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.healthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Use(h.rateLimit)

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", h.createMemory)
			r.Get("/", h.listMemories)
			r.Post("/batch", h.createMemoryBatch)
			r.Post("/search", h.searchMemories)
			r.Get("/{id}", h.getMemory)
			r.Patch("/{id}", h.updateMemory)
			r.Delete("/{id}", h.deleteMemory)
		})

		r.Route("/metacognition", func(r chi.Router) {
			r.Post("/predict", h.predictMemories)
			r.Post("/feedback", h.predictionFeedback)
			r.Post("/suggest", h.suggestStrategy)
			r.Get("/patterns", h.getPatterns)
			r.Get("/metrics", h.getMetrics)
		})

		r.Route("/collaboration", func(r chi.Router) {
			r.Post("/agents", h.registerAgent)
			r.Get("/agents", h.listAgents)
			r.Get("/agents/{id}/reputation", h.getReputation)
			r.Patch("/agents/{id}", h.updateAgent)
			r.Post("/agents/compare", h.compareAgents)
			r.Post("/synthesize", h.synthesize)
			r.Get("/memories", h.agentMemories)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"observations": h.patterns.Len(),
	})
}

// --- memories ---

func (h *Handler) createMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.memories.Create(r.Context(), ownerFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (h *Handler) createMemoryBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memories []memory.CreateRequest `json:"memories"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.memories.CreateBatch(r.Context(), ownerFromContext(r.Context()), req.Memories)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"memories": out,
		"count":    len(out),
	})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.memories.Get(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *Handler) updateMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.memories.Update(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.memories.Delete(r.Context(), ownerFromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	namespace := r.URL.Query().Get("namespace")

	items, total, err := h.memories.List(r.Context(), ownerFromContext(r.Context()), namespace, (page-1)*limit, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"memories":   items,
		"pagination": newPagination(page, limit, total),
	})
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	var req memory.SearchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := h.memories.Search(r.Context(), ownerFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// --- metacognition ---

func (h *Handler) predictMemories(w http.ResponseWriter, r *http.Request) {
	var req struct {
		predict.PredictRequest
		Namespace string `json:"namespace,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.engine.Predict(r.Context(), ownerFromContext(r.Context()), req.Namespace, req.PredictRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handler) predictionFeedback(w http.ResponseWriter, r *http.Request) {
	var req predict.FeedbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.engine.Feedback(r.Context(), ownerFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) suggestStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context string `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.engine.Suggest(req.Context, ownerFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, s)
}

func (h *Handler) getPatterns(w http.ResponseWriter, r *http.Request) {
	window, err := pattern.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, h.patterns.Patterns(window, ownerFromContext(r.Context())))
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.patterns.Metrics())
}

// --- collaboration ---

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string         `json:"agent_id"`
		Role         string         `json:"role"`
		Capabilities []string       `json:"capabilities,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.ledger.Register(r.Context(), req.AgentID, req.Role, req.Capabilities, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.ledger.List()
	writeData(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (h *Handler) getReputation(w http.ResponseWriter, r *http.Request) {
	a, stats, err := h.ledger.Reputation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"agent": a,
		"stats": stats,
		"tier":  reputation.Tier(a.ReputationScore),
	})
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string       `json:"capabilities,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.ledger.UpdateAgent(r.Context(), chi.URLParam(r, "id"), req.Capabilities, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (h *Handler) compareAgents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentIDs []string `json:"agent_ids"`
		Metrics  []string `json:"metrics,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cmp, err := h.ledger.Compare(req.AgentIDs, req.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, cmp)
}

func (h *Handler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req reputation.SynthesisRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.synthesis.Synthesize(r.Context(), ownerFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// agentMemories lists memories attributed to agents at or above a
// reputation threshold.
func (h *Handler) agentMemories(w http.ResponseWriter, r *http.Request) {
	minReputation := queryFloat(r, "min_reputation", 0)
	limit := queryInt(r, "limit", 20)
	namespace := r.URL.Query().Get("namespace")

	var agentIDs []string
	for _, a := range h.ledger.List() {
		if a.ReputationScore >= minReputation {
			agentIDs = append(agentIDs, a.AgentID)
		}
	}
	mems, err := h.memories.ListByAgents(r.Context(), ownerFromContext(r.Context()), namespace, agentIDs, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"memories": mems,
		"agents":   agentIDs,
		"count":    len(mems),
	})
}

// --- helpers ---

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Validation("invalid_body", "request body is not valid JSON").WithCause(err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
