package orchestrator

import (
	"sync"
	"time"

	"github.com/4406arthur/verity/domain"
)

//jobRecord is the single-owner mutable state of one job. The record mutex
//also serializes sequence assignment and publication, so every subscriber
//sees this job's events in strictly increasing sequence order.
type jobRecord struct {
	mu          sync.Mutex
	job         domain.Job
	seq         uint64
	cancelled   bool
	lastPublish time.Time
	verdicts    []domain.EnsembleVerdict
}

//registry is the owned job store: created on submit, torn down after the
//retention window once the job is terminal.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*jobRecord)}
}

func (r *registry) create(job domain.Job) *jobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &jobRecord{job: job}
	r.jobs[job.ID] = rec
	return rec
}

func (r *registry) get(jobID string) (*jobRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	return rec, ok
}

func (r *registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}
