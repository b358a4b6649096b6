package pattern

import (
	"strings"
	"time"

	"github.com/recallbricks/recalld/internal/scoring"
)

// Metrics summarizes learning progress over the whole log.
type Metrics struct {
	TotalObservations int     `json:"total_observations"`
	PatternsDetected  int     `json:"patterns_detected"`
	ConfidenceLevel   float64 `json:"confidence_level"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
}

// Metrics computes the learning-progress summary. PatternsDetected counts
// query clusters with enough members to matter; ConfidenceLevel is the
// ratio of useful feedback to predictions issued; CacheHitRate treats
// retrieves under the latency threshold as cache-served (there is no
// separate cache component, the threshold is the documented proxy).
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	log := s.log
	s.mu.RUnlock()

	m := Metrics{TotalObservations: len(log)}

	var searchObs []Observation
	var predictions, usefulFeedback int
	var retrieves, cacheHits int
	for i := range log {
		o := &log[i]
		switch o.Kind {
		case KindSearch:
			if strings.TrimSpace(o.QueryText) != "" {
				searchObs = append(searchObs, *o)
			}
			if o.PredictionID != "" {
				predictions++
			}
		case KindFeedback:
			if o.Success != nil && *o.Success {
				usefulFeedback++
			}
		case KindRetrieve:
			retrieves++
			if o.LatencyMs < s.cfg.CacheLatencyMs {
				cacheHits++
			}
		}
	}

	m.PatternsDetected = significantClusters(clusterQueries(searchObs, s.cfg.ClusterFloor))
	if predictions > 0 {
		m.ConfidenceLevel = clamp01(float64(usefulFeedback) / float64(predictions))
	}
	if retrieves > 0 {
		m.CacheHitRate = float64(cacheHits) / float64(retrieves)
	}
	return m
}

// ClusterWeights returns the optimal weight pair for the historical query
// cluster nearest the given context, plus how many similar queries back
// it. Falls back to the window-global optimal weights when no cluster
// clears the similarity floor or too few labeled observations exist.
func (s *Store) ClusterWeights(context string, window Window, ownerID string) (scoring.Weights, int) {
	to := time.Now()
	obs := s.snapshot(to.Add(-window.Duration()), to, ownerID)

	var searches []Observation
	for i := range obs {
		if obs[i].Kind == KindSearch && strings.TrimSpace(obs[i].QueryText) != "" {
			searches = append(searches, obs[i])
		}
	}
	clusters := clusterQueries(searches, s.cfg.ClusterFloor)
	ci := nearestCluster(clusters, context, s.cfg.ClusterFloor)
	if ci < 0 {
		return s.Patterns(window, ownerID).OptimalWeights, 0
	}

	cluster := clusters[ci]
	member := make(map[int64]bool, len(cluster.Members))
	for _, mi := range cluster.Members {
		member[searches[mi].Seq] = true
	}
	var scoped []Observation
	for i := range obs {
		o := obs[i]
		if member[o.Seq] {
			scoped = append(scoped, o)
			continue
		}
		// Keep feedback rows: labeledSearches joins them by prediction id.
		if o.Kind == KindFeedback {
			scoped = append(scoped, o)
		}
	}
	labeled := labeledSearches(scoped)
	if len(labeled) < s.cfg.MinLabeledObservations {
		return s.Patterns(window, ownerID).OptimalWeights, len(cluster.Members)
	}
	return gridSearch(labeled), len(cluster.Members)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
