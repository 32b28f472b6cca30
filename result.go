// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "time"

// Result is the outcome of a job. Jobs return a Result from Execute on
// success; the queue synthesizes one for failures, timeouts and
// cancellations. Exactly one Result per job is published to
// subscribers once the job reaches a terminal status.
type Result struct {
	// JobID is the identifier of the job the result belongs to.
	JobID string `json:"job_id"`
	// Success indicates whether the job completed successfully.
	Success bool `json:"success"`
	// Result holds job-specific output data. Only set on success.
	Result map[string]interface{} `json:"result,omitempty"`
	// Error describes the failure. Only set when Success is false.
	Error string `json:"error,omitempty"`
	// ExecutionTime is the wall-clock duration of the final attempt.
	ExecutionTime time.Duration `json:"execution_time"`
	// Metadata holds auxiliary information such as the worker the job
	// ran on or the number of attempts it took.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func failureResult(jobID, errmsg string, elapsed time.Duration) *Result {
	return &Result{
		JobID:         jobID,
		Success:       false,
		Error:         errmsg,
		ExecutionTime: elapsed,
	}
}
