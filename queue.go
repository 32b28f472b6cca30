// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxConcurrent    = 5
	defaultDispatchInterval = 100 * time.Millisecond
)

var (
	// ErrClosed is returned when a job is added to a queue that has
	// been closed.
	ErrClosed = errors.New("jobqueue: queue is closed")
)

func nop() {}

// Queue schedules job execution. Create a new queue via New, register
// the decoders of your job types, then call Start.
type Queue struct {
	logger           Logger
	st               Store
	pm               *PersistenceManager
	backoff          BackoffFunc
	registry         *Registry
	events           *broadcaster
	poolCfg          PoolConfig
	maxConcurrent    int
	dispatchInterval time.Duration

	mu             sync.Mutex // guards the following block
	entries        map[string]*jobEntry
	statuses       map[string]Status
	results        map[string]*Result
	seq            uint64
	running        int
	totalProcessed int
	totalSucceeded int
	started        bool
	closed         bool
	pool           *Pool
	stopSched      chan struct{} // stop signal for scheduler
	wakec          chan struct{} // kicks the scheduler outside its interval

	testQueueStarted     func() // testing hook
	testQueueStopped     func() // testing hook
	testSchedulerStarted func() // testing hook
	testSchedulerStopped func() // testing hook
	testJobAdded         func() // testing hook
	testJobStarted       func() // testing hook
	testJobRetry         func() // testing hook
	testJobFailed        func() // testing hook
	testJobSucceeded     func() // testing hook
	testJobCancelled     func() // testing hook
}

// jobEntry is the queue-internal bookkeeping for a job that is not yet
// terminal. Terminal jobs only live on in the status and result maps.
type jobEntry struct {
	qj              *QueuedJob
	seq             uint64 // submission order, tie-breaker within a priority
	status          Status // Queued or Running
	notBefore       time.Time
	cancel          context.CancelFunc
	worker          *Worker
	cancelRequested bool
}

// New creates a new queue. Pass options to configure it.
func New(options ...QueueOption) *Queue {
	q := &Queue{
		logger:           stdLogger{},
		backoff:          exponentialBackoff,
		registry:         NewRegistry(),
		maxConcurrent:    defaultMaxConcurrent,
		dispatchInterval: defaultDispatchInterval,
		entries:          make(map[string]*jobEntry),
		statuses:         make(map[string]Status),
		results:          make(map[string]*Result),
		wakec:            make(chan struct{}, 1),

		testQueueStarted:     nop,
		testQueueStopped:     nop,
		testSchedulerStarted: nop,
		testSchedulerStopped: nop,
		testJobAdded:         nop,
		testJobStarted:       nop,
		testJobRetry:         nop,
		testJobFailed:        nop,
		testJobSucceeded:     nop,
		testJobCancelled:     nop,
	}
	for _, opt := range options {
		opt(q)
	}
	q.events = newBroadcaster(q.logger)
	if q.st != nil {
		q.pm = NewPersistenceManager(q.st, q.registry, SetPersistenceLogger(q.logger))
	}
	return q
}

// -- Configuration --

// QueueOption is the signature of an options provider.
type QueueOption func(*Queue)

// SetLogger specifies the logger to use when e.g. reporting errors.
// Passing nil disables logging.
func SetLogger(logger Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		} else {
			q.logger = nopLogger{}
		}
	}
}

// SetStore specifies the backing Store for checkpoints and enables
// persistence. Without a store, jobs are lost on restart.
func SetStore(store Store) QueueOption {
	return func(q *Queue) {
		q.st = store
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs. Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) QueueOption {
	return func(q *Queue) {
		if fn != nil {
			q.backoff = fn
		} else {
			q.backoff = exponentialBackoff
		}
	}
}

// SetConcurrency sets the maximum number of jobs executed at the same
// time. Concurrency must be greater or equal to 1 and is 5 by default.
// The worker pool is sized independently; a job is only dispatched
// when both a concurrency slot and an idle worker are available.
func SetConcurrency(n int) QueueOption {
	return func(q *Queue) {
		if n < 1 {
			n = 1
		}
		q.maxConcurrent = n
	}
}

// SetWorkerPool configures the worker pool of the queue.
func SetWorkerPool(cfg PoolConfig) QueueOption {
	return func(q *Queue) {
		q.poolCfg = cfg
	}
}

// SetDispatchInterval sets how often the scheduler scans for eligible
// jobs. Completions and submissions kick the scheduler immediately, so
// the interval mostly determines how promptly scheduled jobs and
// retries are picked up.
func SetDispatchInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.dispatchInterval = d
		}
	}
}

// SetRegistry specifies the job type registry. By default every queue
// gets its own empty registry; pass a shared one if decoders are
// registered centrally.
func SetRegistry(r *Registry) QueueOption {
	return func(q *Queue) {
		if r != nil {
			q.registry = r
		}
	}
}

// Register adds a decoder for the given job type to the queue's
// registry. Jobs of unregistered types are rejected when persistence
// is enabled, because their checkpoints could not be recovered.
func (q *Queue) Register(jobType string, decode DecodeFunc) error {
	return q.registry.Register(jobType, decode)
}

// -- Start and Stop --

// Start runs the queue. If persistence is enabled, checkpoints left
// behind by a previous run are recovered first: their jobs are
// re-enqueued with attempt counts intact and dispatched like freshly
// added jobs. Use Stop, Close, or CloseWithTimeout to stop the queue.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("jobqueue: queue already started")
	}
	if q.closed {
		return ErrClosed
	}

	if q.pm != nil {
		if err := q.pm.Start(); err != nil {
			return err
		}
		if err := q.recoverLocked(); err != nil {
			return err
		}
	}

	poolCfg := q.poolCfg
	poolCfg.Logger = q.logger
	poolCfg.OnJobDone = q.handleJobDone
	q.pool = NewPool(poolCfg)
	if err := q.pool.Start(); err != nil {
		return err
	}

	q.stopSched = make(chan struct{})
	go q.schedule()

	q.started = true

	q.testQueueStarted() // testing hook

	return nil
}

// recoverLocked re-enqueues the jobs found in the store. Jobs that
// were running when the previous process died start over from attempt
// they were on; completed leftovers are cleaned up.
func (q *Queue) recoverLocked() error {
	ctx := context.Background()
	recovery, err := q.pm.RecoverJobs(ctx)
	if err != nil {
		return err
	}
	if recovery.FailureCount > 0 {
		q.logger.Printf("jobqueue: recovery skipped %d corrupted checkpoint(s): %v",
			recovery.FailureCount, recovery.CorruptedCheckpoints)
	}

	jobs := recovery.RecoveredJobs
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].QueuedJob.CreatedAt.Before(jobs[j].QueuedJob.CreatedAt)
	})

	requeued := 0
	for _, rj := range jobs {
		qj := rj.QueuedJob
		id := qj.Job.ID()
		if rj.State == CheckpointCompleted {
			// Crashed between completion and checkpoint cleanup.
			if err := q.pm.RemoveJob(ctx, id); err != nil {
				q.logger.Printf("%v", err)
			}
			continue
		}
		if _, dup := q.statuses[id]; dup {
			continue
		}
		if rj.State == CheckpointRunning {
			if err := q.pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
				q.logger.Printf("%v", err)
			}
		}
		q.seq++
		q.entries[id] = &jobEntry{qj: qj, seq: q.seq, status: Queued}
		q.statuses[id] = Queued
		requeued++
	}
	if requeued > 0 {
		q.logger.Printf("jobqueue: recovered %d job(s) from previous run", requeued)
	}
	return nil
}

// Stop stops the queue. It waits for running jobs to finish.
func (q *Queue) Stop() error {
	return q.Close()
}

// Close is an alias to Stop. It stops the queue and waits for running
// jobs to finish.
func (q *Queue) Close() error {
	return q.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the queue. Running jobs are cancelled via
// their context and the queue waits up to the given timeout for them
// to let go. If the timeout is negative, the queue waits forever.
// Checkpoints of jobs that never ran stay in the store, so a later
// Start picks them up again.
func (q *Queue) CloseWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var cancels []context.CancelFunc
	for _, e := range q.entries {
		if e.status == Running && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	q.mu.Unlock()

	// Stop accepting new dispatches
	q.stopSched <- struct{}{}
	<-q.stopSched
	close(q.stopSched)

	// Cancel jobs in flight and wait for the workers to let go
	for _, cancel := range cancels {
		cancel()
	}
	err := q.pool.Stop(timeout)

	q.events.close()
	if q.pm != nil {
		if cerr := q.pm.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
	q.testQueueStopped() // testing hook
	return err
}

// -- Add and Cancel --

// Add gives the queue a new job to execute as soon as a concurrency
// slot and a worker are available. If persistence is enabled and Add
// returns nil, the caller can be sure the job has been checkpointed.
// The returned QueuedJob is a snapshot of the submission metadata.
func (q *Queue) Add(ctx context.Context, job Job) (*QueuedJob, error) {
	return q.AddAt(ctx, job, time.Time{})
}

// AddAt is like Add but holds the job back until the given time.
func (q *Queue) AddAt(ctx context.Context, job Job, at time.Time) (*QueuedJob, error) {
	if job == nil {
		return nil, errors.New("jobqueue: no job specified")
	}
	if job.ID() == "" {
		return nil, errors.New("jobqueue: no job identifier specified")
	}
	if job.Type() == "" {
		return nil, errors.New("jobqueue: no job type specified")
	}
	id := job.ID()
	now := time.Now()
	if at.IsZero() {
		at = now
	}
	qj := &QueuedJob{Job: job, CreatedAt: now, ScheduledAt: at}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if !q.started {
		q.mu.Unlock()
		return nil, errors.New("jobqueue: queue not started")
	}
	if q.pm != nil && !q.registry.Registered(job.Type()) {
		q.mu.Unlock()
		return nil, fmt.Errorf("jobqueue: job type %q is not registered", job.Type())
	}
	if _, dup := q.statuses[id]; dup {
		q.mu.Unlock()
		return nil, fmt.Errorf("jobqueue: job %s already exists", id)
	}
	// Reserve the identifier so a concurrent Add of the same job fails
	// while the checkpoint is written.
	q.statuses[id] = Queued
	q.mu.Unlock()

	if q.pm != nil {
		if err := q.pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
			q.mu.Lock()
			delete(q.statuses, id)
			q.mu.Unlock()
			return nil, err
		}
	}

	q.mu.Lock()
	if q.closed {
		delete(q.statuses, id)
		q.mu.Unlock()
		if q.pm != nil {
			if err := q.pm.RemoveJob(ctx, id); err != nil {
				q.logger.Printf("%v", err)
			}
		}
		return nil, ErrClosed
	}
	q.seq++
	q.entries[id] = &jobEntry{qj: qj, seq: q.seq, status: Queued}
	q.mu.Unlock()

	q.testJobAdded() // testing hook

	if !at.After(now) {
		q.wake()
	}

	snapshot := *qj
	return &snapshot, nil
}

// Cancel stops the job with the given identifier. A queued job becomes
// cancelled immediately; a running job has its context cancelled and
// becomes cancelled as soon as its worker lets go, whether or not the
// job honors the context. Cancel returns true if the job existed and
// was queued or running.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	q.mu.Lock()
	e, found := q.entries[id]
	if !found {
		q.mu.Unlock()
		return false
	}
	switch e.status {
	case Queued:
		res := failureResult(id, "jobqueue: job cancelled", 0)
		q.completeLocked(e, Cancelled, res)
		q.mu.Unlock()
		if q.pm != nil {
			if err := q.pm.RemoveJob(ctx, id); err != nil {
				q.logger.Printf("%v", err)
			}
		}
		q.testJobCancelled() // testing hook
		return true
	case Running:
		e.cancelRequested = true
		cancel := e.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}
	q.mu.Unlock()
	return false
}

// -- Status, Results and Stats --

// Status returns the current status of the job with the specified
// identifier. If no such job exists, ErrNotFound is returned.
func (q *Queue) Status(id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, found := q.statuses[id]
	if !found {
		return "", ErrNotFound
	}
	return s, nil
}

// Result returns the result of the job with the specified identifier.
// It returns nil without an error while the job is not yet terminal,
// and ErrNotFound if the job is unknown.
func (q *Queue) Result(id string) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if res, found := q.results[id]; found {
		return res, nil
	}
	if _, known := q.statuses[id]; known {
		return nil, nil
	}
	return nil, ErrNotFound
}

// Stats returns current statistics about the job queue. The snapshot
// is taken atomically: the pending and running counts always add up to
// the queue size.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{
		PendingJobs:        len(q.entries) - q.running,
		RunningJobs:        q.running,
		QueueSize:          len(q.entries),
		TotalJobsProcessed: q.totalProcessed,
		SuccessRate:        1.0,
	}
	if q.totalProcessed > 0 {
		stats.SuccessRate = float64(q.totalSucceeded) / float64(q.totalProcessed)
	}
	return stats
}

// PoolStats returns current statistics about the queue's worker pool.
func (q *Queue) PoolStats() PoolStats {
	q.mu.Lock()
	pool := q.pool
	q.mu.Unlock()
	if pool == nil {
		return PoolStats{}
	}
	return pool.Stats()
}

// PersistenceStats returns current statistics about the queue's
// persistence manager, if persistence is enabled.
func (q *Queue) PersistenceStats(ctx context.Context) (PersistenceStats, error) {
	if q.pm == nil {
		return PersistenceStats{}, nil
	}
	return q.pm.Stats(ctx)
}

// Subscribe returns a subscription that delivers the result of every
// job reaching a terminal status, including cancellations and jobs
// that exhausted their retries. Close the subscription when done.
func (q *Queue) Subscribe() *Subscription {
	return q.events.subscribe()
}

// -- Scheduler --

// schedule periodically hands eligible jobs to idle workers.
func (q *Queue) schedule() {
	q.testSchedulerStarted()       // testing hook
	defer q.testSchedulerStopped() // testing hook

	t := time.NewTicker(q.dispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.dispatch()
		case <-q.wakec:
			q.dispatch()
		case <-q.stopSched:
			q.stopSched <- struct{}{}
			return
		}
	}
}

// wake kicks the scheduler without waiting for the next tick.
func (q *Queue) wake() {
	select {
	case q.wakec <- struct{}{}:
	default:
	}
}

// dispatch fills up available concurrency slots with eligible jobs.
// Within one pass, jobs with a higher priority are dispatched first;
// jobs of the same priority run in submission order.
func (q *Queue) dispatch() {
	for {
		now := time.Now()
		q.mu.Lock()
		if q.closed || q.running >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		e := q.nextLocked(now)
		if e == nil {
			q.mu.Unlock()
			return
		}
		if e.cancelRequested {
			// Cancelled while it was being put back into the queue.
			res := failureResult(e.qj.Job.ID(), "jobqueue: job cancelled", 0)
			q.completeLocked(e, Cancelled, res)
			q.mu.Unlock()
			if q.pm != nil {
				if err := q.pm.RemoveJob(context.Background(), e.qj.Job.ID()); err != nil {
					q.logger.Printf("%v", err)
				}
			}
			q.testJobCancelled() // testing hook
			continue
		}
		qj := e.qj
		id := qj.Job.ID()

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout := qj.Job.Timeout(); timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		if q.pm != nil {
			pm, logger := q.pm, q.logger
			ctx = context.WithValue(ctx, progressKey{}, func(progress map[string]interface{}) {
				if err := pm.UpdateProgress(context.Background(), id, progress); err != nil {
					logger.Printf("%v", err)
				}
			})
		}
		e.status = Running
		e.cancel = cancel
		q.statuses[id] = Running
		q.running++
		q.mu.Unlock()

		if q.pm != nil {
			// A failed checkpoint write must not hold up execution.
			if err := q.pm.PersistJob(context.Background(), qj, CheckpointRunning); err != nil {
				q.logger.Printf("%v", err)
			}
		}

		w := q.pool.Assign(ctx, qj)
		if w == nil {
			// No idle worker after all. Put the job back.
			cancel()
			q.mu.Lock()
			e.status = Queued
			e.cancel = nil
			q.statuses[id] = Queued
			q.running--
			q.mu.Unlock()
			return
		}
		q.mu.Lock()
		e.worker = w
		q.mu.Unlock()

		q.testJobStarted() // testing hook
	}
}

// nextLocked picks the eligible queued job with the highest priority,
// breaking ties by submission order. It returns nil if no job is
// eligible.
func (q *Queue) nextLocked(now time.Time) *jobEntry {
	var best *jobEntry
	for _, e := range q.entries {
		if e.status != Queued {
			continue
		}
		if e.qj.ScheduledAt.After(now) || e.notBefore.After(now) {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		p, bp := e.qj.Job.Priority(), best.qj.Job.Priority()
		if p > bp || (p == bp && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// completeLocked moves the job into a terminal status, records its
// result and publishes it to subscribers. Cancelled jobs do not count
// as processed.
func (q *Queue) completeLocked(e *jobEntry, status Status, res *Result) {
	id := e.qj.Job.ID()
	delete(q.entries, id)
	q.statuses[id] = status
	q.results[id] = res
	switch status {
	case Completed:
		q.totalProcessed++
		q.totalSucceeded++
	case Failed:
		q.totalProcessed++
	}
	q.events.publish(res)
}

// handleJobDone is invoked by the worker pool exactly once per
// execution. It decides between completion, retry, failure and
// cancellation.
func (q *Queue) handleJobDone(qj *QueuedJob, res *Result, execErr error, elapsed time.Duration) {
	id := qj.Job.ID()

	q.mu.Lock()
	e, found := q.entries[id]
	if !found {
		q.mu.Unlock()
		return
	}
	q.running--
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	var workerID string
	if e.worker != nil {
		workerID = e.worker.ID()
		e.worker = nil
	}
	cancelled := e.cancelRequested || (q.closed && errors.Is(execErr, context.Canceled))

	switch {
	case cancelled:
		res = failureResult(id, "jobqueue: job cancelled", elapsed)
		q.completeLocked(e, Cancelled, res)
		q.mu.Unlock()
		q.removeCheckpoint(id)
		q.testJobCancelled() // testing hook

	case execErr != nil || (res != nil && !res.Success):
		var errmsg string
		switch {
		case errors.Is(execErr, context.DeadlineExceeded):
			errmsg = fmt.Sprintf("jobqueue: job %s timeout after %v", id, qj.Job.Timeout())
		case execErr != nil:
			errmsg = execErr.Error()
		case res.Error != "":
			errmsg = res.Error
		default:
			errmsg = "jobqueue: job reported failure"
		}
		if qj.Attempt < qj.Job.MaxRetries() {
			delay := q.backoff(qj.Attempt)
			qj.Attempt++
			e.status = Queued
			e.notBefore = time.Now().Add(delay)
			q.statuses[id] = Queued
			q.mu.Unlock()
			q.logger.Printf("jobqueue: job %s failed on attempt %d, retrying in %v: %s",
				id, qj.Attempt, delay, errmsg)
			if q.pm != nil {
				if err := q.pm.PersistJob(context.Background(), qj, CheckpointQueued); err != nil {
					q.logger.Printf("%v", err)
				}
			}
			q.testJobRetry() // testing hook
		} else {
			fres := failureResult(id, errmsg, elapsed)
			fres.Metadata = map[string]interface{}{
				"attempts": qj.Attempt + 1,
				"worker":   workerID,
			}
			q.completeLocked(e, Failed, fres)
			q.mu.Unlock()
			q.logger.Printf("jobqueue: job %s failed after %d attempt(s): %s", id, qj.Attempt+1, errmsg)
			q.removeCheckpoint(id)
			q.testJobFailed() // testing hook
		}

	default:
		if res == nil {
			res = &Result{Success: true}
		}
		if res.JobID == "" {
			res.JobID = id
		}
		if res.ExecutionTime == 0 {
			res.ExecutionTime = elapsed
		}
		if res.Metadata == nil {
			res.Metadata = make(map[string]interface{})
		}
		res.Metadata["attempts"] = qj.Attempt + 1
		res.Metadata["worker"] = workerID
		q.completeLocked(e, Completed, res)
		q.mu.Unlock()
		q.removeCheckpoint(id)
		q.testJobSucceeded() // testing hook
	}

	q.wake()
}

func (q *Queue) removeCheckpoint(id string) {
	if q.pm == nil {
		return
	}
	if err := q.pm.RemoveJob(context.Background(), id); err != nil {
		q.logger.Printf("%v", err)
	}
}
