// Package jobqueue manages running, scheduling and recovering
// background jobs.
//
// Applications using jobqueue first create a Queue. Jobs implement the
// Job interface; the package ships variants for document processing,
// embedding generation and file indexing, and FuncJob for ad-hoc work.
// Applications register a decoder per job type before starting the
// queue, so jobs can be reconstructed from checkpoints after a
// restart.
//
// Once started, the queue provisions a pool of workers. A scheduler
// inside the queue periodically picks eligible jobs, highest priority
// first and in submission order within a priority, and hands them to
// idle workers. The number of concurrently executing jobs is capped
// via the queue option SetConcurrency; the pool itself is sized via
// SetWorkerPool and can autoscale between a minimum and a maximum
// number of workers.
//
// A job is always in one of five states: Queued (waiting to be
// dispatched, possibly until a scheduled time), Running, Completed,
// Failed (failed even after retrying), and Cancelled. Completed,
// Failed and Cancelled are terminal. The result of every job that
// reaches a terminal state is published to subscribers; see Subscribe.
//
// A job can be configured to be retried via its MaxRetries value. Only
// when the number of failed executions exceeds MaxRetries does the job
// get marked as Failed. Otherwise it is put back into Queued and
// rescheduled after a backoff, which doubles with every failed attempt
// by default (see backoff.go). A custom backoff can be set via the
// queue option SetBackoffFunc.
//
// The queue can write a checkpoint per job into a Store, configured
// via SetStore. By default no store is used and jobs do not survive a
// restart. Checkpoints are written when a job is added, when it
// transitions, and when a running job reports progress; they are
// removed when the job becomes terminal. On Start, the queue recovers
// all checkpoints left behind by a previous run and re-enqueues their
// jobs with attempt counts intact, so a job that was running during a
// crash runs again. There are persistent stores backed by SQLite,
// MySQL, MongoDB and Redis in the respective subpackages.
// PersistenceStats distinguishes CurrentJobs, the checkpoints this
// process wrote or recovered and has not yet removed, from
// ActiveCheckpoints, every checkpoint present in the store, including
// those left behind by earlier runs and those too corrupted to
// recover. Notice that you are responsible to prevent two concurrent
// queues from sharing the same store.
package jobqueue
