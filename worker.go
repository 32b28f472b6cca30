package jobqueue

import "time"

// Worker is a single execution slot owned by a Pool. A worker executes
// at most one job at a time; assignment happens exclusively through
// Pool.Assign. All fields are guarded by the pool's mutex.
type Worker struct {
	pool *Pool
	id   string

	busy         bool
	currentJobID string
	processed    int
	busyTime     time.Duration
}

// ID returns the pool-unique identifier of the worker.
func (w *Worker) ID() string {
	return w.id
}

// Busy reports whether the worker is currently executing a job.
func (w *Worker) Busy() bool {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	return w.busy
}

// CurrentJobID returns the identifier of the job the worker is
// executing, or the empty string if the worker is idle.
func (w *Worker) CurrentJobID() string {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	return w.currentJobID
}

// Processed returns the number of executions the worker has finished.
func (w *Worker) Processed() int {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	return w.processed
}
