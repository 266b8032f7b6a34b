package domain

import "time"

//EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventStatus    EventKind = "status_update"
	EventResult    EventKind = "result_update"
	EventError     EventKind = "error"
	EventHeartbeat EventKind = "heartbeat"
)

//ErrorPayload is the body of an error event. Terminal errors end the job;
//non-terminal ones (e.g. a slow-consumer disconnect notice) affect only the
//connection they are sent to.
type ErrorPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

//ResultPayload is the body of the terminal result event: the job-level verdict
//plus the per-unit breakdown for auditing.
type ResultPayload struct {
	Verdict EnsembleVerdict   `json:"verdict"`
	Units   []EnsembleVerdict `json:"units,omitempty"`
}

//Event is the unit transmitted over the bus. Seq is assigned per job by that
//job's orchestrator worker and is strictly increasing, so a reconnecting
//client can detect gaps. Events are immutable once published.
type Event struct {
	JobID     string         `json:"job_id"`
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Stage     JobStage       `json:"stage,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    *ResultPayload `json:"result,omitempty"`
	Error     *ErrorPayload  `json:"error,omitempty"`
}
