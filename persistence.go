// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// CheckpointKeyPrefix namespaces all checkpoint keys in the store.
// External tools can list a queue's checkpoints by enumerating the
// keys behind this prefix.
const CheckpointKeyPrefix = "job_checkpoint:"

// CheckpointState is the persistence-level state of a checkpoint. It
// is intentionally coarser than Status: terminal jobs have their
// checkpoints removed rather than updated.
type CheckpointState string

const (
	CheckpointQueued    CheckpointState = "queued"
	CheckpointRunning   CheckpointState = "running"
	CheckpointCompleted CheckpointState = "completed"
)

// Checkpoint is the durable representation of a job between restarts.
// All timestamps are in UnixNano.
type Checkpoint struct {
	Job         *Envelope              `json:"job"`
	State       CheckpointState        `json:"state"`
	Attempt     int                    `json:"attempt"`
	CreatedAt   int64                  `json:"created_at"`
	ScheduledAt int64                  `json:"scheduled_at,omitempty"`
	UpdatedAt   int64                  `json:"updated_at"`
	Progress    map[string]interface{} `json:"progress,omitempty"`
}

// RecoveredJob is a checkpoint successfully turned back into a
// runnable job.
type RecoveredJob struct {
	QueuedJob *QueuedJob
	State     CheckpointState
	Progress  map[string]interface{}
}

// RecoveryResult summarizes a recovery pass over the store.
type RecoveryResult struct {
	// SuccessCount is the number of checkpoints that decoded into jobs.
	SuccessCount int
	// FailureCount is the number of checkpoints that could not be
	// decoded.
	FailureCount int
	// RecoveredJobs holds the decoded jobs.
	RecoveredJobs []*RecoveredJob
	// CorruptedCheckpoints lists the job identifiers of checkpoints
	// that could not be decoded. They are left in the store for
	// inspection.
	CorruptedCheckpoints []string
}

// lockStripes is the number of mutexes checkpoint writers are spread
// over. The set is fixed, so job ids can come and go without growing a
// lock table.
const lockStripes = 64

// PersistenceManager writes job checkpoints into a Store and recovers
// them after a restart. Writes for the same job are serialized on a
// mutex stripe selected by the job id; writes for different jobs
// usually run concurrently.
type PersistenceManager struct {
	st       Store
	registry *Registry
	logger   Logger

	stripes [lockStripes]sync.Mutex

	mu      sync.Mutex
	known   map[string]struct{}
	started bool
}

// PersistenceOption configures a PersistenceManager.
type PersistenceOption func(*PersistenceManager)

// SetPersistenceLogger redirects the log output of the persistence
// manager. Defaults to the standard log package; passing nil disables
// logging.
func SetPersistenceLogger(logger Logger) PersistenceOption {
	return func(pm *PersistenceManager) {
		if logger != nil {
			pm.logger = logger
		} else {
			pm.logger = nopLogger{}
		}
	}
}

// NewPersistenceManager creates a persistence manager on top of the
// given store. The registry provides the decoders used to reconstruct
// jobs during recovery.
func NewPersistenceManager(store Store, registry *Registry, options ...PersistenceOption) *PersistenceManager {
	pm := &PersistenceManager{
		st:       store,
		registry: registry,
		logger:   stdLogger{},
		known:    make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(pm)
	}
	return pm
}

// Start initializes the underlying store. It must be called before any
// checkpoint is written.
func (pm *PersistenceManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.started {
		return nil
	}
	if err := pm.st.Start(); err != nil {
		return fmt.Errorf("jobqueue: starting persistence store: %w", err)
	}
	pm.started = true
	return nil
}

// Close releases the underlying store.
func (pm *PersistenceManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.started {
		return nil
	}
	pm.started = false
	return pm.st.Close()
}

func (pm *PersistenceManager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &pm.stripes[h.Sum32()%lockStripes]
}

func checkpointKey(id string) string {
	return CheckpointKeyPrefix + id
}

// PersistJob writes a checkpoint for the job in the given state,
// overwriting any previous checkpoint. Progress recorded for an
// earlier attempt is discarded.
func (pm *PersistenceManager) PersistJob(ctx context.Context, qj *QueuedJob, state CheckpointState) error {
	id := qj.Job.ID()
	cp := &Checkpoint{
		Job:         NewEnvelope(qj.Job),
		State:       state,
		Attempt:     qj.Attempt,
		CreatedAt:   qj.CreatedAt.UnixNano(),
		ScheduledAt: qj.ScheduledAt.UnixNano(),
		UpdatedAt:   time.Now().UnixNano(),
	}
	value, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("jobqueue: serializing checkpoint for job %s: %w", id, err)
	}

	l := pm.lockFor(id)
	l.Lock()
	defer l.Unlock()
	if err := pm.st.Put(ctx, checkpointKey(id), value); err != nil {
		return fmt.Errorf("jobqueue: persisting job %s: %w", id, err)
	}
	pm.mu.Lock()
	pm.known[id] = struct{}{}
	pm.mu.Unlock()
	return nil
}

// UpdateProgress merges the given progress data into the checkpoint of
// the job. If no checkpoint exists for the job, UpdateProgress is a
// no-op: progress is advisory and must not fail a running job.
func (pm *PersistenceManager) UpdateProgress(ctx context.Context, id string, progress map[string]interface{}) error {
	l := pm.lockFor(id)
	l.Lock()
	defer l.Unlock()

	value, err := pm.st.Get(ctx, checkpointKey(id))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobqueue: loading checkpoint for job %s: %w", id, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(value, &cp); err != nil {
		pm.logger.Printf("jobqueue: not updating progress of job %s: undecodable checkpoint: %v", id, err)
		return nil
	}
	if cp.Progress == nil {
		cp.Progress = make(map[string]interface{})
	}
	for k, v := range progress {
		cp.Progress[k] = v
	}
	cp.UpdatedAt = time.Now().UnixNano()
	value, err = json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("jobqueue: serializing checkpoint for job %s: %w", id, err)
	}
	if err := pm.st.Put(ctx, checkpointKey(id), value); err != nil {
		return fmt.Errorf("jobqueue: persisting progress of job %s: %w", id, err)
	}
	return nil
}

// RemoveJob deletes the checkpoint of the job. Removing a job that has
// no checkpoint is not an error.
func (pm *PersistenceManager) RemoveJob(ctx context.Context, id string) error {
	l := pm.lockFor(id)
	l.Lock()
	defer l.Unlock()
	if err := pm.st.Delete(ctx, checkpointKey(id)); err != nil {
		return fmt.Errorf("jobqueue: removing checkpoint of job %s: %w", id, err)
	}
	pm.mu.Lock()
	delete(pm.known, id)
	pm.mu.Unlock()
	return nil
}

// RecoverJobs loads all checkpoints from the store and turns them back
// into runnable jobs. Checkpoints that cannot be read or decoded,
// including those whose job type has no registered decoder, are
// logged, counted and skipped; a single bad checkpoint never aborts
// recovery. Only a failing key listing does, as there is nothing left
// to scan.
func (pm *PersistenceManager) RecoverJobs(ctx context.Context) (*RecoveryResult, error) {
	keys, err := pm.st.Keys(ctx, CheckpointKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing checkpoints: %w", err)
	}

	result := &RecoveryResult{}
	for _, key := range keys {
		id := strings.TrimPrefix(key, CheckpointKeyPrefix)
		value, err := pm.st.Get(ctx, key)
		if err == ErrNotFound {
			// Removed while recovery was running.
			continue
		}
		if err != nil {
			pm.logger.Printf("jobqueue: skipping unreadable checkpoint of job %s: %v", id, err)
			result.FailureCount++
			result.CorruptedCheckpoints = append(result.CorruptedCheckpoints, id)
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(value, &cp); err != nil {
			pm.logger.Printf("jobqueue: skipping corrupted checkpoint of job %s: %v", id, err)
			result.FailureCount++
			result.CorruptedCheckpoints = append(result.CorruptedCheckpoints, id)
			continue
		}
		if cp.Job == nil {
			pm.logger.Printf("jobqueue: skipping corrupted checkpoint of job %s: no job data", id)
			result.FailureCount++
			result.CorruptedCheckpoints = append(result.CorruptedCheckpoints, id)
			continue
		}
		job, err := pm.registry.Decode(cp.Job)
		if err != nil {
			pm.logger.Printf("jobqueue: skipping checkpoint of job %s: %v", id, err)
			result.FailureCount++
			result.CorruptedCheckpoints = append(result.CorruptedCheckpoints, id)
			continue
		}
		pm.mu.Lock()
		pm.known[id] = struct{}{}
		pm.mu.Unlock()
		result.SuccessCount++
		result.RecoveredJobs = append(result.RecoveredJobs, &RecoveredJob{
			QueuedJob: &QueuedJob{
				Job:         job,
				CreatedAt:   time.Unix(0, cp.CreatedAt),
				ScheduledAt: time.Unix(0, cp.ScheduledAt),
				Attempt:     cp.Attempt,
			},
			State:    cp.State,
			Progress: cp.Progress,
		})
	}
	return result, nil
}

// Stats returns a snapshot of the persistence state.
func (pm *PersistenceManager) Stats(ctx context.Context) (PersistenceStats, error) {
	keys, err := pm.st.Keys(ctx, CheckpointKeyPrefix)
	if err != nil {
		return PersistenceStats{}, fmt.Errorf("jobqueue: listing checkpoints: %w", err)
	}
	pm.mu.Lock()
	current := len(pm.known)
	pm.mu.Unlock()
	return PersistenceStats{
		CurrentJobs:       current,
		ActiveCheckpoints: len(keys),
	}, nil
}

type progressKey struct{}

// ReportProgress records progress for the job the context belongs to.
// Inside Execute of a job running on a queue with persistence enabled,
// the progress is merged into the job's checkpoint. In every other
// situation ReportProgress is a no-op, so jobs can call it
// unconditionally.
func ReportProgress(ctx context.Context, progress map[string]interface{}) {
	fn, ok := ctx.Value(progressKey{}).(func(map[string]interface{}))
	if ok {
		fn(progress)
	}
}
