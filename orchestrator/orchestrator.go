// Package orchestrator owns the analysis job state machine.
//
// One pooled worker runs each job's stages sequentially; jobs run
// concurrently with each other. Per-unit adapter failures are absorbed by
// fusion and never fail the job; only unrecoverable processing errors (or an
// owner cancel) reach the failed stage, and every terminal stage publishes
// exactly one terminal event.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/4406arthur/verity/alert"
	"github.com/4406arthur/verity/domain"
	"github.com/4406arthur/verity/eventbus"
	"github.com/4406arthur/verity/fusion"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verity_jobs_submitted_total",
		Help: "The total number of accepted jobs",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verity_jobs_failed_total",
		Help: "The number of jobs that reached the failed stage",
	})
	unitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verity_unit_scoring_ms",
			Help:    "Wall time spent scoring one unit of work across all adapters",
			Buckets: []float64{1, 5, 10, 20, 30, 40, 50, 100, 300, 500, 1000, 3000},
		},
		[]string{"verity"},
	)
)

//Config carries the orchestrator tunables. Zero values take the documented
//defaults.
type Config struct {
	PoolSize          int
	Stride            int
	Retention         time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.Stride <= 0 {
		c.Stride = 2
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

//Orchestrator drives jobs from submission to a terminal stage and publishes
//their progress on the event bus.
type Orchestrator struct {
	cfg       Config
	registry  *registry
	bus       *eventbus.Bus
	pool      *workerpool.WorkerPool
	validate  *validator.Validate
	scorers   []domain.Scorer
	extractor domain.FrameExtractor
	engine    *fusion.Engine
	alert     alert.Alert
	results   chan<- []byte
}

//New ...
func New(cfg Config, bus *eventbus.Bus, scorers []domain.Scorer, ex domain.FrameExtractor, engine *fusion.Engine, al alert.Alert, results chan<- []byte) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:       cfg,
		registry:  newRegistry(),
		bus:       bus,
		pool:      workerpool.New(cfg.PoolSize),
		validate:  validator.New(),
		scorers:   scorers,
		extractor: ex,
		engine:    engine,
		alert:     al,
		results:   results,
	}
}

//Submit validates the request, creates the job record and its topic, and
//enqueues the job for processing. Returns the job id immediately.
func (o *Orchestrator) Submit(sub domain.Submission) (string, error) {
	if err := o.validate.Struct(sub); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err.Error())
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:        uuid.NewString(),
		Owner:     sub.Owner,
		MediaRef:  sub.MediaRef,
		Stage:     domain.StageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := o.registry.create(job)
	o.bus.CreateTopic(job.ID)
	jobsSubmitted.Inc()

	rec.mu.Lock()
	o.publishLocked(rec, domain.Event{
		Kind:    domain.EventStatus,
		Stage:   domain.StageQueued,
		Message: "job accepted",
	})
	rec.mu.Unlock()

	log.Printf("[Debug] accepted job %s for %s", job.ID, job.Owner)
	o.pool.Submit(func() { o.run(job.ID) })
	return job.ID, nil
}

//Cancel transitions a non-terminal job to failed with a cancelled error if
//the requestor owns it. Cancelling an already-terminal job is a no-op.
func (o *Orchestrator) Cancel(jobID, requestor string) error {
	rec, ok := o.registry.get(jobID)
	if !ok {
		return domain.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.Owner != requestor {
		return domain.ErrForbidden
	}
	if rec.job.Stage.Terminal() {
		return nil
	}
	rec.cancelled = true
	o.failLocked(rec, domain.ErrorKindCancelled, "cancelled by owner")
	return nil
}

//Snapshot returns a read-only copy of the job for late joiners and
//reconnection reconciliation.
func (o *Orchestrator) Snapshot(jobID string) (domain.Job, error) {
	rec, ok := o.registry.get(jobID)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job, nil
}

//Run consumes submissions from the intake queue until ctx is done, then
//drains the pool.
func (o *Orchestrator) Run(ctx context.Context, jobQueue <-chan *nats.Msg) {
	log.Printf("[Info] orchestrator starting")
	for {
		select {
		case msg := <-jobQueue:
			var sub domain.Submission
			if err := ffjson.Unmarshal(msg.Data, &sub); err != nil {
				log.Printf("[Error] got undecodable submission: %s", err.Error())
				continue
			}
			if _, err := o.Submit(sub); err != nil {
				log.Printf("[Error] rejected submission: %s", err.Error())
			}
		case <-ctx.Done():
			log.Println("[Info] close workers")
			o.Stop()
			return
		}
	}
}

//Stop waits for in-flight jobs to finish.
func (o *Orchestrator) Stop() {
	o.pool.StopWait()
	log.Printf("[Info] already completed pending jobs")
}

// run is the per-job worker loop. Job state is only ever mutated here and in
// Cancel, both under the record mutex.
func (o *Orchestrator) run(jobID string) {
	rec, ok := o.registry.get(jobID)
	if !ok {
		return
	}
	ctx := context.Background()

	if !o.setStage(rec, domain.StageInitializing, "initializing analysis") {
		return
	}
	if !o.setStage(rec, domain.StageExtracting, "extracting frames") {
		return
	}

	rec.mu.Lock()
	mediaRef := rec.job.MediaRef
	rec.mu.Unlock()

	frames, err := o.extractor.Extract(ctx, mediaRef)
	if err != nil {
		o.fail(rec, domain.ErrorKindFatal, fmt.Sprintf("frame extraction failed: %s", err.Error()))
		return
	}

	rec.mu.Lock()
	if rec.cancelled || rec.job.Stage.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.job.TotalUnits = len(frames)
	rec.mu.Unlock()

	if !o.setStage(rec, domain.StageScoringUnits, "scoring frames") {
		return
	}

	for i, frame := range frames {
		// cooperative cancellation: checked between units, in-flight
		// adapter calls run to completion and are discarded
		rec.mu.Lock()
		stopped := rec.cancelled || rec.job.Stage.Terminal()
		rec.mu.Unlock()
		if stopped {
			return
		}

		start := time.Now()
		verdict := o.engine.Fuse(o.scoreUnit(ctx, frame))
		unitLatency.WithLabelValues("unit").Observe(float64(time.Since(start).Milliseconds()))

		rec.mu.Lock()
		if rec.cancelled || rec.job.Stage.Terminal() {
			// cancelled while the unit was in flight: discard its result
			rec.mu.Unlock()
			return
		}
		rec.verdicts = append(rec.verdicts, verdict)
		rec.job.CompletedUnits = i + 1
		rec.job.UpdatedAt = time.Now().UTC()
		done := i + 1
		if done%o.cfg.Stride == 0 || done == len(frames) {
			o.publishLocked(rec, domain.Event{
				Kind:     domain.EventStatus,
				Stage:    domain.StageScoringUnits,
				Progress: float64(done) / float64(len(frames)),
				Message:  fmt.Sprintf("scored %d/%d frames", done, len(frames)),
			})
		} else if time.Since(rec.lastPublish) >= o.cfg.HeartbeatInterval {
			o.publishLocked(rec, domain.Event{Kind: domain.EventHeartbeat})
		}
		rec.mu.Unlock()
	}

	if !o.setStage(rec, domain.StageFusing, "fusing unit verdicts") {
		return
	}
	o.complete(rec)
}

// scoreUnit fans one frame out to every adapter concurrently; each call is
// bounded by the adapter's own timeout and can only yield an unavailable
// score, never an error.
func (o *Orchestrator) scoreUnit(ctx context.Context, frame domain.Frame) []domain.ModelScore {
	scores := make([]domain.ModelScore, len(o.scorers))
	var wg sync.WaitGroup
	for i, s := range o.scorers {
		wg.Add(1)
		go func(i int, s domain.Scorer) {
			defer wg.Done()
			scores[i] = s.Score(ctx, frame)
		}(i, s)
	}
	wg.Wait()
	return scores
}

// aggregate computes the job-level verdict: the mean of per-unit fake
// probabilities over units that had at least one contributing adapter.
// Contributors counts scored units here; the per-unit adapter breakdown
// travels in the result payload. With zero scored units the job still
// completes, with a neutral probability and the degraded-mode descriptor.
func aggregate(verdicts []domain.EnsembleVerdict) domain.EnsembleVerdict {
	var sum float64
	scored := 0
	for _, v := range verdicts {
		if v.Contributors == 0 {
			continue
		}
		sum += v.Probability
		scored++
	}
	if scored == 0 {
		return domain.EnsembleVerdict{
			Probability: fusion.NeutralProbability,
			Confidence:  fusion.ConfidenceNone,
		}
	}
	p := sum / float64(scored)
	return domain.EnsembleVerdict{
		Probability:  p,
		Deepfake:     p > 0.5,
		Contributors: scored,
		Confidence:   fmt.Sprintf("%d/%d units scored", scored, len(verdicts)),
	}
}

func (o *Orchestrator) complete(rec *jobRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Stage.Terminal() {
		return
	}

	overall := aggregate(rec.verdicts)
	units := make([]domain.EnsembleVerdict, len(rec.verdicts))
	copy(units, rec.verdicts)

	rec.job.Stage = domain.StageCompleted
	rec.job.UpdatedAt = time.Now().UTC()
	rec.job.Result = &overall

	o.publishLocked(rec, domain.Event{
		Kind:   domain.EventResult,
		Stage:  domain.StageCompleted,
		Result: &domain.ResultPayload{Verdict: overall, Units: units},
	})
	o.emitResultLocked(rec, units)
	o.scheduleRetire(rec.job.ID)
	log.Printf("[Info] job %s completed: p=%.3f %s", rec.job.ID, overall.Probability, overall.Confidence)
}

func (o *Orchestrator) fail(rec *jobRecord, kind, msg string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	o.failLocked(rec, kind, msg)
}

func (o *Orchestrator) failLocked(rec *jobRecord, kind, msg string) {
	if rec.job.Stage.Terminal() {
		return
	}
	rec.job.Stage = domain.StageFailed
	rec.job.UpdatedAt = time.Now().UTC()
	rec.job.Error = &domain.JobError{Kind: kind, Message: msg}
	jobsFailed.Inc()

	o.publishLocked(rec, domain.Event{
		Kind:  domain.EventError,
		Stage: domain.StageFailed,
		Error: &domain.ErrorPayload{Kind: kind, Message: msg, Terminal: true},
	})
	o.scheduleRetire(rec.job.ID)

	errMsg := fmt.Sprintf("[ERROR] job %s failed (%s): %s", rec.job.ID, kind, msg)
	log.Printf("%s\n", errMsg)
	if o.alert != nil && kind == domain.ErrorKindFatal {
		o.alert.PushNotify(errMsg)
	}
}

// setStage advances a non-terminal job and publishes the transition. Returns
// false when the job already went terminal (cancelled under our feet).
func (o *Orchestrator) setStage(rec *jobRecord, stage domain.JobStage, msg string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cancelled || rec.job.Stage.Terminal() {
		return false
	}
	rec.job.Stage = stage
	rec.job.UpdatedAt = time.Now().UTC()
	var progress float64
	if rec.job.TotalUnits > 0 {
		progress = float64(rec.job.CompletedUnits) / float64(rec.job.TotalUnits)
	}
	o.publishLocked(rec, domain.Event{
		Kind:     domain.EventStatus,
		Stage:    stage,
		Progress: progress,
		Message:  msg,
	})
	return true
}

// publishLocked assigns the next sequence number and publishes under the
// record mutex, keeping per-job delivery order strict. Caller holds rec.mu.
func (o *Orchestrator) publishLocked(rec *jobRecord, ev domain.Event) {
	rec.seq++
	ev.JobID = rec.job.ID
	ev.Seq = rec.seq
	ev.Timestamp = time.Now().UTC()
	rec.lastPublish = ev.Timestamp
	if err := o.bus.Publish(rec.job.ID, ev); err != nil {
		log.Printf("[Error] publish on job %s: %s", rec.job.ID, err.Error())
	}
}

// emitResultLocked hands the terminal result to the external persistence
// collaborator. Best effort: the job never depends on the sink keeping up.
func (o *Orchestrator) emitResultLocked(rec *jobRecord, units []domain.EnsembleVerdict) {
	if o.results == nil {
		return
	}
	jsonByte, _ := ffjson.Marshal(&resultRecord{
		JobID:       rec.job.ID,
		Owner:       rec.job.Owner,
		MediaRef:    rec.job.MediaRef,
		CompletedAt: rec.job.UpdatedAt,
		Verdict:     *rec.job.Result,
		Units:       units,
	})
	select {
	case o.results <- jsonByte:
	default:
		log.Printf("[Info] result sink full: dropped record for job %s", rec.job.ID)
	}
}

type resultRecord struct {
	JobID       string                   `json:"job_id"`
	Owner       string                   `json:"owner"`
	MediaRef    string                   `json:"media_ref"`
	CompletedAt time.Time                `json:"completed_at"`
	Verdict     domain.EnsembleVerdict   `json:"verdict"`
	Units       []domain.EnsembleVerdict `json:"units,omitempty"`
}

// scheduleRetire frees the topic and the registry entry once the terminal
// job has sat past the retention window.
func (o *Orchestrator) scheduleRetire(jobID string) {
	time.AfterFunc(o.cfg.Retention, func() {
		o.bus.Retire(jobID)
		o.registry.remove(jobID)
		log.Printf("[Debug] retired job %s", jobID)
	})
}
