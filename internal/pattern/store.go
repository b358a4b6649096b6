package pattern

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Persister mirrors accepted observations into durable storage and can
// reload recent history on startup. The in-process arena remains the
// source of truth for aggregation; the persister is write-behind.
type Persister interface {
	AppendObservation(ctx context.Context, obs *Observation) error
	RecentObservations(ctx context.Context, since time.Time) ([]Observation, error)
}

// Store is the append-only observation log. A monotonic sequence number
// is the consistency boundary: readers snapshot the log up to a stable
// cursor, so aggregate recomputation never sees a live-moving tail and
// never blocks writers beyond the append itself.
type Store struct {
	mu        sync.RWMutex
	log       []Observation
	seq       int64
	persister Persister
	logger    *zap.Logger

	cfg Config
}

// Config carries the pattern-learning tunables.
type Config struct {
	MinLabeledObservations int     // grid search fallback threshold
	CacheLatencyMs         int64   // retrieve latency treated as a cache hit
	ClusterFloor           float64 // query-cluster similarity floor
	TopTerms               int     // most-queried terms to report
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinLabeledObservations: 10,
		CacheLatencyMs:         50,
		ClusterFloor:           0.6,
		TopTerms:               10,
	}
}

// NewStore creates a pattern store. persister may be nil (volatile mode).
func NewStore(cfg Config, persister Persister, logger *zap.Logger) *Store {
	if cfg.MinLabeledObservations <= 0 {
		cfg.MinLabeledObservations = 10
	}
	if cfg.CacheLatencyMs <= 0 {
		cfg.CacheLatencyMs = 50
	}
	if cfg.ClusterFloor <= 0 {
		cfg.ClusterFloor = 0.6
	}
	if cfg.TopTerms <= 0 {
		cfg.TopTerms = 10
	}
	return &Store{persister: persister, logger: logger, cfg: cfg}
}

// Load restores recent history from the persister. Called once at startup,
// before the store takes traffic.
func (s *Store) Load(ctx context.Context, since time.Time) error {
	if s.persister == nil {
		return nil
	}
	obs, err := s.persister.RecentObservations(ctx, since)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range obs {
		s.seq++
		obs[i].Seq = s.seq
		s.log = append(s.log, obs[i])
	}
	s.logger.Info("observation log restored", zap.Int("count", len(obs)))
	return nil
}

// Record appends an observation to the log. It only fails on malformed
// input; persistence errors are logged and do not surface, and persist
// writes are never retried (a duplicate observation is worse than a
// missing one).
func (s *Store) Record(ctx context.Context, obs Observation) error {
	if err := obs.validate(); err != nil {
		return err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.seq++
	obs.Seq = s.seq
	s.log = append(s.log, obs)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.AppendObservation(ctx, &obs); err != nil {
			s.logger.Warn("observation persist failed",
				zap.Int64("seq", obs.Seq),
				zap.String("kind", string(obs.Kind)),
				zap.Error(err))
		}
	}
	return nil
}

// snapshot copies the log entries within [from, to] for the given owner
// (empty owner matches everything), bounded by the sequence cursor taken
// under the read lock.
func (s *Store) snapshot(from, to time.Time, ownerID string) []Observation {
	s.mu.RLock()
	cursor := s.seq
	// The arena only ever grows; the slice header under RLock is safe to
	// range over up to the cursor.
	log := s.log
	s.mu.RUnlock()

	out := make([]Observation, 0, len(log))
	for i := range log {
		o := &log[i]
		if o.Seq > cursor {
			break
		}
		if ownerID != "" && o.OwnerID != ownerID {
			continue
		}
		if o.Timestamp.Before(from) || o.Timestamp.After(to) {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// Len returns the total number of recorded observations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}
