package domain

import (
	"errors"
	"time"
)

//JobStage is the orchestrator-owned lifecycle stage of a job.
type JobStage string

const (
	StageQueued       JobStage = "queued"
	StageInitializing JobStage = "initializing"
	StageExtracting   JobStage = "extracting"
	StageScoringUnits JobStage = "scoring_units"
	StageFusing       JobStage = "fusing"
	StageCompleted    JobStage = "completed"
	StageFailed       JobStage = "failed"
)

//Terminal reports whether no further stage transitions can occur.
func (s JobStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Error taxonomy. Connection-layer errors never affect job state; adapter
// unavailability is absorbed during fusion and never escalates.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrCancelled       = errors.New("cancelled")
	ErrFatal           = errors.New("fatal")
)

// Error kinds carried on terminal ErrorEvents.
const (
	ErrorKindCancelled = "cancelled"
	ErrorKindFatal     = "fatal"
	ErrorKindOverflow  = "slow_consumer"
)

//JobError describes why a job reached the failed stage.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

//Job tracks one analysis request from submission to a terminal stage.
//Mutated only by the orchestrator worker that owns it.
type Job struct {
	ID             string           `json:"job_id"`
	Owner          string           `json:"owner"`
	MediaRef       string           `json:"media_ref"`
	Stage          JobStage         `json:"stage"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	TotalUnits     int              `json:"total_units"`
	CompletedUnits int              `json:"completed_units"`
	Result         *EnsembleVerdict `json:"result,omitempty"`
	Error          *JobError        `json:"error,omitempty"`
}

//Submission is an analysis request as received from the intake edge.
type Submission struct {
	MediaRef string `json:"media_ref" validate:"required"`
	Owner    string `json:"owner" validate:"required"`
}

//Frame is one unit of work extracted from the submitted media.
type Frame struct {
	Ref   string `json:"ref"`
	Index int    `json:"index"`
}
