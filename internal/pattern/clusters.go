package pattern

import (
	"math"
	"sort"
	"strings"
)

// querySimilarity computes token overlap between two query texts.
// Uses a combination of exact match ratio and substring weighting.
func querySimilarity(a, b string) float64 {
	aTokens := tokenize(a)
	if len(aTokens) == 0 {
		return 0
	}
	target := strings.ToLower(b)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(b) {
		targetSet[w] = true
	}

	var matched int
	var weightedScore float64
	for _, tok := range aTokens {
		if targetSet[tok] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, tok) {
			matched++
			weightedScore += 0.7 // partial substring match
		}
	}
	if matched == 0 {
		return 0
	}

	// Jaccard-inspired: overlap / union
	overlap := float64(matched)
	union := float64(len(aTokens) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)

	// Coverage: what fraction of input tokens matched
	coverage := weightedScore / float64(len(aTokens))

	// Blend both signals
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

// Cluster groups observations whose query texts overlap above the
// similarity floor. Representative is the earliest member's query.
type Cluster struct {
	Representative string
	Members        []int // indexes into the observation slice passed to clusterQueries
}

// clusterQueries greedily assigns each query-bearing observation to the
// first cluster whose representative it matches, creating a new cluster
// otherwise. Greedy single-pass keeps this O(n*clusters) and deterministic.
func clusterQueries(obs []Observation, floor float64) []Cluster {
	var clusters []Cluster
	for i := range obs {
		q := obs[i].QueryText
		if strings.TrimSpace(q) == "" {
			continue
		}
		assigned := false
		for ci := range clusters {
			if querySimilarity(q, clusters[ci].Representative) >= floor {
				clusters[ci].Members = append(clusters[ci].Members, i)
				assigned = true
				break
			}
		}
		if !assigned {
			clusters = append(clusters, Cluster{Representative: q, Members: []int{i}})
		}
	}
	return clusters
}

// significantClusters counts clusters with enough members to be treated
// as a detected pattern.
const significantClusterSize = 3

func significantClusters(clusters []Cluster) int {
	n := 0
	for _, c := range clusters {
		if len(c.Members) >= significantClusterSize {
			n++
		}
	}
	return n
}

// nearestCluster returns the index of the cluster most similar to the
// given context, or -1 if none reaches the floor.
func nearestCluster(clusters []Cluster, context string, floor float64) int {
	best := -1
	bestSim := 0.0
	for i, c := range clusters {
		sim := querySimilarity(context, c.Representative)
		if sim < floor {
			continue
		}
		// Strict comparison: the earliest cluster wins ties.
		if sim > bestSim {
			best = i
			bestSim = sim
		}
	}
	return best
}

// sortTermCounts orders by count descending, ties alphabetical.
func sortTermCounts(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}
