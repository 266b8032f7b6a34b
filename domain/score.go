package domain

import (
	"context"
	"time"
)

//Region marks a rectangle of suspicious content within a frame.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

//ModelScore is one adapter's output for one unit of work. Unavailability is a
//tagged state rather than an error so fusion can never be forced to fail.
type ModelScore struct {
	Adapter     string        `json:"adapter"`
	Available   bool          `json:"available"`
	Probability float64       `json:"probability"`
	Latency     time.Duration `json:"latency_ns"`
	Regions     []Region      `json:"regions,omitempty"`
}

//Unavailable builds the marker score for an absent, erroring or timed-out backend.
func Unavailable(adapter string, latency time.Duration) ModelScore {
	return ModelScore{Adapter: adapter, Available: false, Latency: latency}
}

//EnsembleVerdict is the fused decision over one unit of work or a whole job.
type EnsembleVerdict struct {
	Probability  float64      `json:"probability"`
	Deepfake     bool         `json:"deepfake"`
	Contributors int          `json:"contributors"`
	Confidence   string       `json:"confidence"`
	Scores       []ModelScore `json:"scores,omitempty"`
}

//Scorer wraps one inference backend. Score never returns an error: any failure
//mode yields an unavailable ModelScore for that unit.
type Scorer interface {
	Name() string
	Score(ctx context.Context, frame Frame) ModelScore
}

//FrameExtractor splits a media reference into scoreable units.
type FrameExtractor interface {
	Extract(ctx context.Context, mediaRef string) ([]Frame, error)
}
