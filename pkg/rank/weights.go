// Package rank holds the scoring policy for hybrid retrieval: per-signal
// normalisers and the weighted fusion of text, vector, relation and recency
// signals into a single score in [0, 1].
package rank

import (
	"errors"
	"fmt"
	"math"
)

// Weights is the fusion policy. The defaults sum to slightly above 1.0 so a
// candidate strong on several signals outranks any single-signal maximum;
// Combine divides by the sum afterwards, keeping final scores in [0, 1].
type Weights struct {
	Text     float64 `json:"text" yaml:"text"`
	Vector   float64 `json:"vector" yaml:"vector"`
	Relation float64 `json:"relation" yaml:"relation"`
	Recency  float64 `json:"recency" yaml:"recency"`
}

// ErrInvalidWeights is returned by Validate.
var ErrInvalidWeights = errors.New("invalid rank weights")

// DefaultWeights returns the stock fusion policy.
func DefaultWeights() Weights {
	return Weights{
		Text:     0.40,
		Vector:   0.45,
		Relation: 0.15,
		Recency:  0.05,
	}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Text + w.Vector + w.Relation + w.Recency
}

// Validate rejects negative, non-finite or all-zero weights.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"text": w.Text, "vector": w.Vector, "relation": w.Relation, "recency": w.Recency,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeights, name, v)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidWeights)
	}
	return nil
}

// Components are the per-signal scores of one candidate, each in [0, 1].
type Components struct {
	Text     float64 `json:"text"`
	Vector   float64 `json:"vector"`
	Relation float64 `json:"relation"`
	Recency  float64 `json:"recency"`
}

// Raw returns the weighted sum before normalisation.
func (w Weights) Raw(c Components) float64 {
	return w.Text*clamp01(c.Text) +
		w.Vector*clamp01(c.Vector) +
		w.Relation*clamp01(c.Relation) +
		w.Recency*clamp01(c.Recency)
}

// Combine fuses components into a final score in [0, 1].
func (w Weights) Combine(c Components) float64 {
	sum := w.Sum()
	if sum <= 0 {
		return 0
	}
	return clamp01(w.Raw(c) / sum)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
