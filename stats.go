// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "time"

// Stats returns statistics about the job queue.
type Stats struct {
	PendingJobs        int     `json:"pending_jobs"`         // number of jobs waiting to be dispatched
	RunningJobs        int     `json:"running_jobs"`         // number of jobs currently being executed
	QueueSize          int     `json:"queue_size"`           // number of jobs tracked that are not yet terminal
	TotalJobsProcessed int     `json:"total_jobs_processed"` // number of jobs that reached completed or failed
	SuccessRate        float64 `json:"success_rate"`         // completed jobs relative to processed jobs, 1.0 if none were processed yet
}

// PoolStats returns statistics about a worker pool.
type PoolStats struct {
	TotalWorkers          int           `json:"total_workers"`           // current number of workers
	ActiveWorkers         int           `json:"active_workers"`          // workers currently executing a job
	Utilization           float64       `json:"utilization"`             // active workers relative to total workers
	CrashedWorkers        int           `json:"crashed_workers"`         // workers retired after a crash or an abandoned execution
	TotalJobsProcessed    int           `json:"total_jobs_processed"`    // executions that ran to completion on this pool
	AverageProcessingTime time.Duration `json:"average_processing_time"` // mean execution duration of completed executions
}

// PersistenceStats returns statistics about the persistence manager.
type PersistenceStats struct {
	CurrentJobs       int `json:"current_jobs"`       // checkpoints this process wrote or recovered and has not yet removed
	ActiveCheckpoints int `json:"active_checkpoints"` // all checkpoints found in the underlying store, leftovers of other runs included
}
