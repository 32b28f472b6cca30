// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"fmt"
	"time"
)

// Status is the queue-visible lifecycle state of a job.
type Status string

const (
	// Queued jobs wait for dispatch, possibly until a scheduled time.
	Queued Status = "queued"
	// Running jobs are currently executing on a worker.
	Running Status = "running"
	// Completed jobs finished successfully.
	Completed Status = "completed"
	// Failed jobs exhausted their retries without success.
	Failed Status = "failed"
	// Cancelled jobs were stopped by an explicit cancel request.
	Cancelled Status = "cancelled"
)

// Terminal returns true if no further transition can happen.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Priority determines the dispatch order of queued jobs. Jobs of the
// same priority run in submission order.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Job is a unit of background work. Implementations describe the work
// via the accessor methods and perform it in Execute.
//
// Execute must watch ctx and return early when it is cancelled; the
// queue cancels the context on explicit cancellation, on timeout and
// on shutdown. Returning a Result with Success set to false, or a
// non-nil error, marks the attempt as failed and makes it eligible
// for a retry.
type Job interface {
	// ID returns the unique identifier of the job. It must not change
	// over the lifetime of the job and must be unique across the queue.
	ID() string

	// Type is the tag identifying the job variant. It picks the decoder
	// when jobs are reconstructed from checkpoints after a restart.
	Type() string

	// Priority returns the dispatch priority of the job.
	Priority() Priority

	// Payload returns the parameters of the job. The payload must be
	// JSON-serializable; it is written into checkpoints verbatim.
	Payload() map[string]interface{}

	// MaxRetries returns how often a failed execution may be retried.
	// Zero means the job runs exactly once.
	MaxRetries() int

	// Timeout returns the per-attempt execution deadline. Zero means
	// the attempt may run indefinitely.
	Timeout() time.Duration

	// Execute performs the work.
	Execute(ctx context.Context) (*Result, error)
}

// QueuedJob is a job together with the metadata the queue assigns at
// submission time. Attempt starts at 0 and counts completed executions
// of the job; the queue increments it when it schedules a retry.
type QueuedJob struct {
	Job         Job
	CreatedAt   time.Time
	ScheduledAt time.Time
	Attempt     int
}

// Envelope is the serialized form of a job as written into
// checkpoints. Decoders registered on a Registry turn an Envelope back
// into a runnable Job.
type Envelope struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Priority   Priority               `json:"priority"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	MaxRetries int                    `json:"max_retries"`
	TimeoutNS  int64                  `json:"timeout_ns,omitempty"`
}

// NewEnvelope captures the serializable fields of a job.
func NewEnvelope(job Job) *Envelope {
	return &Envelope{
		ID:         job.ID(),
		Type:       job.Type(),
		Priority:   job.Priority(),
		Payload:    job.Payload(),
		MaxRetries: job.MaxRetries(),
		TimeoutNS:  job.Timeout().Nanoseconds(),
	}
}

// Timeout returns the per-attempt deadline encoded in the envelope.
func (e *Envelope) Timeout() time.Duration {
	return time.Duration(e.TimeoutNS)
}
