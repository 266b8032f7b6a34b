package fusion

import (
	"testing"

	"github.com/4406arthur/verity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func available(adapter string, p float64) domain.ModelScore {
	return domain.ModelScore{Adapter: adapter, Available: true, Probability: p}
}

func TestFuseNoAdapters(t *testing.T) {
	e := New(nil)

	for name, scores := range map[string][]domain.ModelScore{
		"empty input": nil,
		"all unavailable": {
			domain.Unavailable("clip", 0),
			domain.Unavailable("xception", 0),
		},
	} {
		t.Run(name, func(t *testing.T) {
			v := e.Fuse(scores)
			assert.Equal(t, 0.5, v.Probability)
			assert.False(t, v.Deepfake)
			assert.Equal(t, 0, v.Contributors)
			assert.Equal(t, ConfidenceNone, v.Confidence)
		})
	}
}

func TestFuseUnweightedMean(t *testing.T) {
	e := New(nil)
	v := e.Fuse([]domain.ModelScore{
		available("clip", 0.9),
		available("xception", 0.7),
	})
	assert.InDelta(t, 0.8, v.Probability, 1e-9)
	assert.True(t, v.Deepfake)
	assert.Equal(t, 2, v.Contributors)
	assert.Equal(t, "2/2 adapters", v.Confidence)
}

func TestFuseContributorCountExcludesUnavailable(t *testing.T) {
	e := New(nil)
	v := e.Fuse([]domain.ModelScore{
		available("clip", 0.2),
		domain.Unavailable("xception", 0),
		domain.Unavailable("laa-net", 0),
	})
	assert.Equal(t, 1, v.Contributors)
	assert.Equal(t, "1/3 adapters", v.Confidence)
	assert.InDelta(t, 0.2, v.Probability, 1e-9)
	assert.False(t, v.Deepfake)
}

func TestFuseWeightedMean(t *testing.T) {
	e := New(map[string]float64{"clip": 1, "xception": 3})
	v := e.Fuse([]domain.ModelScore{
		available("clip", 0.0),
		available("xception", 0.8),
	})
	assert.InDelta(t, 0.6, v.Probability, 1e-9)
	assert.True(t, v.Deepfake)
}

func TestFuseWeightsIgnoredForUnavailableAdapters(t *testing.T) {
	// A heavy weight on an unavailable adapter must not dilute the mean.
	e := New(map[string]float64{"xception": 100})
	v := e.Fuse([]domain.ModelScore{
		available("clip", 0.9),
		domain.Unavailable("xception", 0),
	})
	assert.InDelta(t, 0.9, v.Probability, 1e-9)
	assert.Equal(t, 1, v.Contributors)
}

func TestFuseClampsOutOfRangeProbabilities(t *testing.T) {
	e := New(nil)
	v := e.Fuse([]domain.ModelScore{
		available("clip", 1.7),
		available("xception", -0.3),
	})
	require.GreaterOrEqual(t, v.Probability, 0.0)
	require.LessOrEqual(t, v.Probability, 1.0)
	assert.InDelta(t, 0.5, v.Probability, 1e-9)
}

func TestFuseExactThresholdIsNotFake(t *testing.T) {
	e := New(nil)
	v := e.Fuse([]domain.ModelScore{available("clip", 0.5)})
	assert.False(t, v.Deepfake)
}
