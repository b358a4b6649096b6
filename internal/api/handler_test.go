package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/recallbricks/recalld/internal/embedding"
	"github.com/recallbricks/recalld/internal/memory"
	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/predict"
	"github.com/recallbricks/recalld/internal/reputation"
	"go.uber.org/zap"
)

// newTestHandler creates a Handler wired with lightweight in-memory deps
// (no Postgres/Redis/Qdrant).
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	patterns := pattern.NewStore(pattern.DefaultConfig(), nil, logger)
	embedder := embedding.NewLocalProvider(embedding.Config{Dimension: 256})
	memories := memory.NewService(memory.NewInMemRepository(), memory.NewInMemIndex(), embedder, patterns, memory.DefaultServiceConfig(), logger)
	ledger := reputation.NewLedger(nil, logger)
	memories.SetContributionSink(ledger)
	synthesis := reputation.NewSynthesisEngine(ledger, memories, embedder, 0, logger)
	engine := predict.NewEngine(memories, patterns, nil, ledger, logger)

	h := NewHandler(memories, engine, patterns, ledger, synthesis, nil, nil, 0, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer owner-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) (map[string]any, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   map[string]any `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Success && env.Error != nil {
		t.Fatal("success envelope carries an error")
	}
	return env.Data, env.Error
}

func TestHealthNoAuth(t *testing.T) {
	_, ts := newTestHandler(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	if data["status"] != "ok" {
		t.Fatalf("health data = %v", data)
	}
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestHandler(t)
	resp, err := http.Get(ts.URL + "/v1/memories")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "unauthorized" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
		"content":  "chi routes are matched in registration order",
		"metadata": map[string]any{"category": "http"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("create data = %v", data)
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/memories/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	data, _ = decodeEnvelope(t, resp)
	if data["content"] != "chi routes are matched in registration order" {
		t.Fatalf("get data = %v", data)
	}

	resp = doJSON(t, ts, http.MethodPatch, "/v1/memories/"+id, map[string]any{
		"metadata": map[string]any{"importance": 0.9},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	data, _ = decodeEnvelope(t, resp)
	md, _ := data["metadata"].(map[string]any)
	if md["category"] != "http" || md["importance"] != 0.9 {
		t.Fatalf("metadata merge = %v", md)
	}

	resp = doJSON(t, ts, http.MethodDelete, "/v1/memories/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)

	resp = doJSON(t, ts, http.MethodGet, "/v1/memories/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "memory_not_found" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestSearchValidation(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := doJSON(t, ts, http.MethodPost, "/v1/memories/search", map[string]any{
		"query":   "anything",
		"weights": map[string]float64{"semantic": 0.9, "recency": 0.3},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "invalid_weights" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestSearchReturnsScoredResults(t *testing.T) {
	_, ts := newTestHandler(t)

	doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
		"content": "connection pool exhaustion under load",
	}).Body.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/memories/search", map[string]any{
		"query":   "connection pool exhaustion",
		"weights": map[string]float64{"semantic": 0.7, "recency": 0.3},
		"limit":   5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	results, _ := data["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", data)
	}
	first, _ := results[0].(map[string]any)
	if first["score"] == nil || first["semantic_score"] == nil {
		t.Fatalf("result missing score components: %v", first)
	}
}

func TestListPagination(t *testing.T) {
	_, ts := newTestHandler(t)
	for i := 0; i < 5; i++ {
		doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
			"content": "note number " + string(rune('a'+i)),
		}).Body.Close()
	}

	resp := doJSON(t, ts, http.MethodGet, "/v1/memories?page=2&limit=2", nil)
	data, _ := decodeEnvelope(t, resp)
	pg, _ := data["pagination"].(map[string]any)
	if pg["total"] != 5.0 || pg["totalPages"] != 3.0 {
		t.Fatalf("pagination = %v", pg)
	}
	if pg["hasNext"] != true || pg["hasPrevious"] != true {
		t.Fatalf("pagination flags = %v", pg)
	}
}

func TestPredictAndFeedbackFlow(t *testing.T) {
	_, ts := newTestHandler(t)

	doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
		"content":  "rollback requires draining the queue first",
		"metadata": map[string]any{"agentId": "deployer"},
	}).Body.Close()

	resp := doJSON(t, ts, http.MethodPost, "/v1/metacognition/predict", map[string]any{
		"context": "rollback requires draining the queue",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("predict status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	predictionID, _ := data["prediction_id"].(string)
	if predictionID == "" {
		t.Fatalf("predict data = %v", data)
	}
	if data["suggested_strategy"] == nil {
		t.Fatal("missing suggested strategy")
	}

	resp = doJSON(t, ts, http.MethodPost, "/v1/metacognition/feedback", map[string]any{
		"prediction_id": predictionID,
		"was_useful":    true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)

	resp = doJSON(t, ts, http.MethodPost, "/v1/metacognition/feedback", map[string]any{
		"prediction_id": "pred_missing",
		"was_useful":    false,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown prediction status = %d", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "prediction_not_found" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestPredictEmptyContextRejected(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/metacognition/predict", map[string]any{
		"context": "",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "invalid_context" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestPatternsWindowValidation(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := doJSON(t, ts, http.MethodGet, "/v1/metacognition/patterns?window=30d", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patterns status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	if data["window"] != "30d" {
		t.Fatalf("patterns data = %v", data)
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/metacognition/patterns?window=13d", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad window status = %d", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "invalid_time_range" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := doJSON(t, ts, http.MethodGet, "/v1/metacognition/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	if _, ok := data["total_observations"]; !ok {
		t.Fatalf("metrics data = %v", data)
	}
}

func TestAgentEndpoints(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := doJSON(t, ts, http.MethodPost, "/v1/collaboration/agents", map[string]any{
		"agent_id":     "web-researcher",
		"role":         "researcher",
		"capabilities": []string{"search"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)

	resp = doJSON(t, ts, http.MethodGet, "/v1/collaboration/agents/web-researcher/reputation", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reputation status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	if data["tier"] != "bronze" {
		t.Fatalf("reputation data = %v", data)
	}

	resp = doJSON(t, ts, http.MethodPatch, "/v1/collaboration/agents/web-researcher", map[string]any{
		"metadata": map[string]any{"team": "red"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch agent status = %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)

	resp = doJSON(t, ts, http.MethodGet, "/v1/collaboration/agents/ghost/reputation", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)
}

func TestSynthesizeInsufficientAgents(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/collaboration/synthesize", map[string]any{
		"topic": "api design",
		"agent_memories": []map[string]any{
			{"agent_id": "a1", "memory_ids": []string{"mem_1"}, "reputation": 0.1},
		},
		"min_reputation": 0.6,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "insufficient_agents" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestAgentMemoriesByReputation(t *testing.T) {
	_, ts := newTestHandler(t)

	doJSON(t, ts, http.MethodPost, "/v1/collaboration/agents", map[string]any{
		"agent_id": "curator", "role": "librarian",
	}).Body.Close()
	doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
		"content":  "indexing strategy for cold archives",
		"metadata": map[string]any{"agentId": "curator"},
	}).Body.Close()
	doJSON(t, ts, http.MethodPost, "/v1/memories", map[string]any{
		"content": "orphaned note with no author",
	}).Body.Close()

	resp := doJSON(t, ts, http.MethodGet, "/v1/collaboration/memories?min_reputation=0.1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := decodeEnvelope(t, resp)
	mems, _ := data["memories"].([]any)
	if len(mems) != 1 {
		t.Fatalf("memories = %v", data)
	}
}

func TestRateLimitHeadersAbsentWithoutRedis(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := doJSON(t, ts, http.MethodGet, "/v1/memories", nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-RateLimit-Limit") != "" {
		t.Fatal("rate limit headers should be absent when redis is not wired")
	}
}
