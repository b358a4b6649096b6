package reputation

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/embedding"
	"github.com/recallbricks/recalld/internal/memory"
	"go.uber.org/zap"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(nil, zap.NewNop())
}

func TestRegisterNewcomerScore(t *testing.T) {
	l := newLedger(t)
	a, err := l.Register(context.Background(), "web-researcher", "researcher", []string{"search"}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// No contributions: success rate defaults to 0.5, confidence and
	// volume are zero, consistency starts at 1.
	want := 0.4*0.5 + 0.3*0 + 0.2*1 + 0.1*0
	if math.Abs(a.ReputationScore-want) > 1e-9 {
		t.Fatalf("newcomer reputation = %v, want %v", a.ReputationScore, want)
	}
}

func TestRegisterValidation(t *testing.T) {
	l := newLedger(t)
	if _, err := l.Register(context.Background(), "", "researcher", nil, nil); !apierr.IsCode(err, "invalid_agent") {
		t.Fatalf("empty agent id: got %v", err)
	}
	if _, err := l.Register(context.Background(), "a1", "", nil, nil); !apierr.IsCode(err, "invalid_agent") {
		t.Fatalf("empty role: got %v", err)
	}
	if _, err := l.Register(context.Background(), "a1", "researcher", nil, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := l.Register(context.Background(), "a1", "researcher", nil, nil); !apierr.IsCode(err, "agent_exists") {
		t.Fatalf("duplicate register: got %v", err)
	}
}

func TestCountersAndRecompute(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Register(ctx, "a1", "researcher", nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 10; i++ {
		l.RecordContribution("a1", 0.8)
	}
	for i := 0; i < 8; i++ {
		l.RecordRetrieval("a1", true)
	}
	l.RecordRetrieval("a1", false)

	// Counters move immediately, the derived score does not.
	_, s, err := l.Reputation("a1")
	if err != nil {
		t.Fatalf("Reputation: %v", err)
	}
	if s.TotalContributions != 10 || s.SuccessfulRetrievals != 8 {
		t.Fatalf("counters = %d/%d, want 10/8", s.TotalContributions, s.SuccessfulRetrievals)
	}
	if s.AverageConfidence != 0.8 {
		t.Fatalf("avg confidence = %v, want 0.8", s.AverageConfidence)
	}

	if n := l.Recompute(ctx); n != 1 {
		t.Fatalf("Recompute updated %d agents, want 1", n)
	}
	a, _, err := l.Reputation("a1")
	if err != nil {
		t.Fatalf("Reputation after recompute: %v", err)
	}
	want := 0.4*0.8 + 0.3*0.8 + 0.2*1 + 0.1*(10.0/1000.0)
	if math.Abs(a.ReputationScore-want) > 1e-9 {
		t.Fatalf("recomputed score = %v, want %v", a.ReputationScore, want)
	}
}

func TestRecomputeConsistencyPenalizesSwings(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Register(ctx, "steady", "worker", nil, nil)
	l.Register(ctx, "erratic", "worker", nil, nil)

	// Same totals over two periods, but erratic delivers all its
	// successes in one burst.
	for i := 0; i < 100; i++ {
		l.RecordContribution("steady", 0.9)
		l.RecordContribution("erratic", 0.9)
		l.RecordRetrieval("steady", true)
	}
	l.Recompute(ctx)
	for i := 0; i < 100; i++ {
		l.RecordRetrieval("erratic", true)
	}
	l.Recompute(ctx)

	_, steadyStats, _ := l.Reputation("steady")
	_, erraticStats, _ := l.Reputation("erratic")
	if erraticStats.ConsistencyScore >= steadyStats.ConsistencyScore {
		t.Fatalf("consistency: erratic %v should trail steady %v",
			erraticStats.ConsistencyScore, steadyStats.ConsistencyScore)
	}
}

func TestRecordsForUnknownAgentIgnored(t *testing.T) {
	l := newLedger(t)
	l.RecordContribution("ghost", 0.9)
	l.RecordRetrieval("ghost", true)
	if _, _, err := l.Reputation("ghost"); !apierr.IsCode(err, "agent_not_found") {
		t.Fatalf("ghost lookup: got %v", err)
	}
}

func TestReputationReadIdempotent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Register(ctx, "steady", "researcher", []string{"search"}, map[string]any{"team": "core"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	l.RecordContribution("steady", 0.9)
	l.RecordRetrieval("steady", true)
	l.Recompute(ctx)

	a1, s1, err := l.Reputation("steady")
	if err != nil {
		t.Fatalf("Reputation: %v", err)
	}
	agentBefore, statsBefore := *a1, *s1

	// Two reads with no intervening write must agree exactly.
	a2, s2, err := l.Reputation("steady")
	if err != nil {
		t.Fatalf("Reputation: %v", err)
	}
	if !reflect.DeepEqual(*a2, agentBefore) {
		t.Fatalf("agent drifted between reads:\n first %+v\nsecond %+v", agentBefore, *a2)
	}
	if !reflect.DeepEqual(*s2, statsBefore) {
		t.Fatalf("stats drifted between reads:\n first %+v\nsecond %+v", statsBefore, *s2)
	}
}

func TestUpdateAgentMergesMetadata(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Register(ctx, "a1", "researcher", []string{"search"}, map[string]any{"team": "red"})

	a, err := l.UpdateAgent(ctx, "a1", []string{"search", "summarize"}, map[string]any{"region": "eu"})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if len(a.Capabilities) != 2 {
		t.Fatalf("capabilities = %v", a.Capabilities)
	}
	if a.Metadata["team"] != "red" || a.Metadata["region"] != "eu" {
		t.Fatalf("metadata not merged: %v", a.Metadata)
	}
	if _, err := l.UpdateAgent(ctx, "nope", nil, nil); !apierr.IsCode(err, "agent_not_found") {
		t.Fatalf("unknown agent update: got %v", err)
	}
}

func TestTier(t *testing.T) {
	cases := map[float64]string{0.95: "platinum", 0.8: "gold", 0.65: "silver", 0.4: "bronze"}
	for score, want := range cases {
		if got := Tier(score); got != want {
			t.Errorf("Tier(%v) = %q, want %q", score, got, want)
		}
	}
}

func TestCompare(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Register(ctx, "strong", "worker", nil, nil)
	l.Register(ctx, "weak", "worker", nil, nil)
	for i := 0; i < 50; i++ {
		l.RecordContribution("strong", 0.9)
		l.RecordRetrieval("strong", true)
	}
	for i := 0; i < 50; i++ {
		l.RecordContribution("weak", 0.3)
	}
	l.Recompute(ctx)

	cmp, err := l.Compare([]string{"weak", "strong"}, []string{MetricReputation, MetricConfidence})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.TopPerformer != "strong" {
		t.Fatalf("top performer = %q, want strong", cmp.TopPerformer)
	}
	if cmp.Agents[0].AgentID != "strong" || cmp.Agents[0].Rank != 1 {
		t.Fatalf("rank 1 = %+v", cmp.Agents[0])
	}
	if len(cmp.Insights) == 0 {
		t.Fatal("expected insights")
	}

	if _, err := l.Compare([]string{"strong"}, nil); !apierr.IsCode(err, "invalid_comparison") {
		t.Fatalf("single-agent compare: got %v", err)
	}
	if _, err := l.Compare([]string{"strong", "weak"}, []string{"vibes"}); !apierr.IsCode(err, "invalid_comparison") {
		t.Fatalf("unknown metric: got %v", err)
	}
}

func synthFixture(t *testing.T) (*SynthesisEngine, *Ledger, *memory.InMemRepository, embedding.Provider) {
	t.Helper()
	ledger := NewLedger(nil, zap.NewNop())
	repo := memory.NewInMemRepository()
	embedder := embedding.NewLocalProvider(embedding.Config{Dimension: 256})
	engine := NewSynthesisEngine(ledger, repo, embedder, 0, zap.NewNop())
	return engine, ledger, repo, embedder
}

func seedMemory(t *testing.T, repo *memory.InMemRepository, embedder embedding.Provider, id, content string, confidence float64) {
	t.Helper()
	vecs, err := embedder.Embed(context.Background(), []string{content})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	err = repo.Insert(context.Background(), &memory.Memory{
		ID:        id,
		Content:   content,
		Embedding: vecs[0],
		Metadata:  map[string]any{"confidence": confidence},
		OwnerID:   "owner-1",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestSynthesizeAllAgentsBelowThreshold(t *testing.T) {
	engine, _, _, _ := synthFixture(t)
	_, err := engine.Synthesize(context.Background(), "owner-1", SynthesisRequest{
		Topic: "api design",
		Agents: []AgentMemories{
			{AgentID: "a1", MemoryIDs: []string{"mem_1"}, Reputation: 0.1},
			{AgentID: "a2", MemoryIDs: []string{"mem_2"}, Reputation: 0.2},
		},
		MinReputation: 0.5,
	})
	if !apierr.IsCode(err, "insufficient_agents") {
		t.Fatalf("expected insufficient_agents, got %v", err)
	}
}

func TestSynthesizeConsensus(t *testing.T) {
	engine, ledger, repo, embedder := synthFixture(t)
	ctx := context.Background()

	// Two agents agree on rate limiting wording, a third holds a
	// low-weight outlier.
	ledger.Register(ctx, "a1", "researcher", nil, nil)
	ledger.Register(ctx, "a2", "reviewer", nil, nil)
	for i := 0; i < 100; i++ {
		ledger.RecordContribution("a1", 0.95)
		ledger.RecordRetrieval("a1", true)
		ledger.RecordContribution("a2", 0.9)
		ledger.RecordRetrieval("a2", true)
	}
	ledger.Recompute(ctx)

	seedMemory(t, repo, embedder, "mem_a", "rate limiting should use a fixed window per client", 0.95)
	seedMemory(t, repo, embedder, "mem_b", "rate limiting should use a fixed window per client", 0.9)
	seedMemory(t, repo, embedder, "mem_c", "prefer exponential backoff on upstream failures", 0.3)

	res, err := engine.Synthesize(ctx, "owner-1", SynthesisRequest{
		Topic: "api hardening",
		Agents: []AgentMemories{
			{AgentID: "a1", MemoryIDs: []string{"mem_a"}},
			{AgentID: "a2", MemoryIDs: []string{"mem_b", "mem_c"}},
		},
		MinConfidence: 0.5,
		MinReputation: 0.3,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.SynthesizedMemories) != 1 {
		t.Fatalf("synthesized groups = %d, want 1", len(res.SynthesizedMemories))
	}
	got := res.SynthesizedMemories[0]
	if len(got.ContributingAgents) != 2 {
		t.Fatalf("contributing agents = %v", got.ContributingAgents)
	}
	if got.Confidence < 0.5 || got.Confidence > 1 {
		t.Fatalf("group confidence out of range: %v", got.Confidence)
	}

	var total float64
	for _, c := range res.TopContributors {
		total += c.Contribution
	}
	if math.Abs(total-1) > 1e-9 {
		t.Fatalf("contributor shares sum to %v, want 1", total)
	}
	if res.AgentsConsidered != 2 {
		t.Fatalf("agents considered = %d, want 2", res.AgentsConsidered)
	}
}

func TestSynthesizeMultipleGroupsAtDefaults(t *testing.T) {
	engine, _, repo, embedder := synthFixture(t)
	ctx := context.Background()

	// Three agents, two independent points of agreement. Both groups
	// should survive the default thresholds on their own merits.
	seedMemory(t, repo, embedder, "mem_rl1", "rate limiting should use a fixed window per client", 0.95)
	seedMemory(t, repo, embedder, "mem_rl2", "rate limiting should use a fixed window per client", 0.9)
	seedMemory(t, repo, embedder, "mem_bo1", "failed upstream calls need exponential backoff with jitter", 0.92)
	seedMemory(t, repo, embedder, "mem_bo2", "failed upstream calls need exponential backoff with jitter", 0.88)

	res, err := engine.Synthesize(ctx, "owner-1", SynthesisRequest{
		Topic: "resilience review",
		Agents: []AgentMemories{
			{AgentID: "a1", MemoryIDs: []string{"mem_rl1", "mem_bo1"}, Reputation: 0.9},
			{AgentID: "a2", MemoryIDs: []string{"mem_rl2"}, Reputation: 0.85},
			{AgentID: "a3", MemoryIDs: []string{"mem_bo2"}, Reputation: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.SynthesizedMemories) != 2 {
		t.Fatalf("synthesized groups = %d, want 2", len(res.SynthesizedMemories))
	}
	for _, g := range res.SynthesizedMemories {
		if g.Confidence < 0.85 || g.Confidence > 1 {
			t.Fatalf("group %q confidence = %v, want [0.85,1]", g.Content, g.Confidence)
		}
	}
	if res.AggregateConfidence < 0.85 || res.AggregateConfidence > 1 {
		t.Fatalf("aggregate confidence = %v", res.AggregateConfidence)
	}
	if len(res.TopContributors) != 3 {
		t.Fatalf("top contributors = %v", res.TopContributors)
	}
}

func TestSynthesizeSimilarityFloorConfigurable(t *testing.T) {
	ledger := NewLedger(nil, zap.NewNop())
	repo := memory.NewInMemRepository()
	embedder := embedding.NewLocalProvider(embedding.Config{Dimension: 256})
	engine := NewSynthesisEngine(ledger, repo, embedder, 0.01, zap.NewNop())
	ctx := context.Background()

	seedMemory(t, repo, embedder, "mem_x", "cache invalidation is hard", 0.9)
	seedMemory(t, repo, embedder, "mem_y", "naming things is harder", 0.9)

	// With a near-zero floor unrelated memories merge into one group.
	res, err := engine.Synthesize(ctx, "owner-1", SynthesisRequest{
		Topic: "folklore",
		Agents: []AgentMemories{
			{AgentID: "a1", MemoryIDs: []string{"mem_x"}, Reputation: 0.9},
			{AgentID: "a2", MemoryIDs: []string{"mem_y"}, Reputation: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.SynthesizedMemories) != 1 {
		t.Fatalf("synthesized groups = %d, want 1", len(res.SynthesizedMemories))
	}
	if got := res.SynthesizedMemories[0]; len(got.SourceMemoryIDs) != 2 {
		t.Fatalf("source memories = %v, want both", got.SourceMemoryIDs)
	}
}

func TestSynthesizeValidation(t *testing.T) {
	engine, _, _, _ := synthFixture(t)
	if _, err := engine.Synthesize(context.Background(), "owner-1", SynthesisRequest{}); !apierr.IsCode(err, "invalid_synthesis") {
		t.Fatalf("empty topic: got %v", err)
	}
	if _, err := engine.Synthesize(context.Background(), "owner-1", SynthesisRequest{Topic: "x"}); !apierr.IsCode(err, "invalid_synthesis") {
		t.Fatalf("no agents: got %v", err)
	}
}
