package rank

import (
	"math"
	"time"
)

// TextRelevance maps a raw full-text score onto [0, 1] relative to the best
// score in the same result set. FTS5 bm25() is negative-is-better, so callers
// pass the negated rank.
func TextRelevance(score, best float64) float64 {
	if best <= 0 || score <= 0 {
		return 0
	}
	return clamp01(score / best)
}

// VectorSimilarity converts a cosine distance in [0, 2] to a similarity in [0, 1].
func VectorSimilarity(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	return clamp01(1 - distance)
}

// RelationScore saturates an edge count: 0 edges -> 0, k edges -> 0.5,
// approaching 1 as the node accumulates connections.
// Formula: n / (n + k)
func RelationScore(edgeCount int, k float64) float64 {
	if edgeCount <= 0 {
		return 0
	}
	if k <= 0 {
		k = 1
	}
	n := float64(edgeCount)
	return n / (n + k)
}

// RecencyScore decays exponentially with age: 1 for now, 0.5 after one
// half-life. Future timestamps count as now.
func RecencyScore(ts, now time.Time, halfLife time.Duration) float64 {
	if ts.IsZero() || halfLife <= 0 {
		return 0
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
