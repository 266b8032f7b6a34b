// Package fusion combines heterogeneous model scores into one verdict.
//
// The engine never fails: an empty or fully-unavailable score set yields a
// neutral verdict with a zero contributor count instead of an error, so a
// degraded backend surfaces through the confidence descriptor rather than
// aborting the job.
package fusion

import (
	"fmt"

	"github.com/4406arthur/verity/domain"
)

//ConfidenceNone is the descriptor used when no adapter contributed.
const ConfidenceNone = "no adapters available"

//NeutralProbability is returned when there is nothing to fuse.
const NeutralProbability = 0.5

//Engine fuses adapter scores with a configurable weighted mean.
type Engine struct {
	weights map[string]float64
}

//New builds an Engine. Weights are keyed by adapter name; adapters missing
//from the map weigh 1. A nil map gives an unweighted mean.
func New(weights map[string]float64) *Engine {
	return &Engine{weights: weights}
}

//Fuse combines the available scores into a single verdict. It never fails.
func (e *Engine) Fuse(scores []domain.ModelScore) domain.EnsembleVerdict {
	var sum, weightSum float64
	contributors := 0
	for _, s := range scores {
		if !s.Available {
			continue
		}
		w := e.weightFor(s.Adapter)
		sum += w * clamp(s.Probability)
		weightSum += w
		contributors++
	}

	if contributors == 0 || weightSum == 0 {
		return domain.EnsembleVerdict{
			Probability:  NeutralProbability,
			Deepfake:     false,
			Contributors: 0,
			Confidence:   ConfidenceNone,
			Scores:       scores,
		}
	}

	p := sum / weightSum
	return domain.EnsembleVerdict{
		Probability:  p,
		Deepfake:     p > 0.5,
		Contributors: contributors,
		Confidence:   fmt.Sprintf("%d/%d adapters", contributors, len(scores)),
		Scores:       scores,
	}
}

func (e *Engine) weightFor(adapter string) float64 {
	if e.weights == nil {
		return 1
	}
	if w, ok := e.weights[adapter]; ok && w > 0 {
		return w
	}
	return 1
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
